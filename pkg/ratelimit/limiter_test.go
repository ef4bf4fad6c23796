package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryWindow(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 1; i <= 3; i++ {
		d := l.Allow("0xabc", 3)
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if d.Count != i {
			t.Fatalf("count = %d, want %d", d.Count, i)
		}
	}
	d := l.Allow("0xabc", 3)
	if d.Allowed {
		t.Fatal("fourth request allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d", d.Remaining)
	}

	// independent keys
	if d := l.Allow("0xdef", 3); !d.Allowed {
		t.Fatal("other key denied")
	}
}

func TestInMemoryExpiry(t *testing.T) {
	l := NewInMemory(10 * time.Millisecond)
	l.Allow("k", 1)
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("second request inside window allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("request after window denied")
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "203.0.113.9:4455"
	if got := ClientKey(r, " 0xAbC "); got != "addr:0xabc" {
		t.Fatalf("addr key = %q", got)
	}
	if got := ClientKey(r, ""); got != "ip:203.0.113.9" {
		t.Fatalf("ip key = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := ClientKey(r, ""); got != "ip:198.51.100.7" {
		t.Fatalf("forwarded key = %q", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	for i := 1; i <= 2; i++ {
		if d := l.Allow("0xabc", 2); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if d := l.Allow("0xabc", 2); d.Allowed {
		t.Fatal("over-limit request allowed")
	}
	if !srv.Exists("nodegate:rl:0xabc") {
		t.Fatal("redis key missing")
	}
}

func TestRedisLimiterFallback(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	l := NewRedis(client, time.Minute)
	srv.Close()
	_ = client.Close()

	// degraded redis falls back to the in-process window
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("first fallback request denied")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("second fallback request allowed")
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	l := NewRedis(nil, time.Minute)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("nil client first request denied")
	}
}
