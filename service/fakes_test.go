package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
)

type fakeLoader struct {
	calls atomic.Int32
	fails atomic.Int32 // number of leading calls that fail
	delay time.Duration
}

func (l *fakeLoader) Load(ctx context.Context) error {
	n := l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if n <= l.fails.Load() {
		return errors.New("script blocked")
	}
	return nil
}

type fakeWidget struct {
	token   string
	err     error
	release chan struct{}
	renders atomic.Int32
}

func (w *fakeWidget) Render(ctx context.Context, siteKey string) (string, error) {
	w.renders.Add(1)
	return "widget-1", nil
}

func (w *fakeWidget) Execute(ctx context.Context, widgetID, action string) (string, error) {
	if w.release != nil {
		<-w.release
	}
	return w.token, w.err
}

type fakeSiteVerifier struct {
	resp   core.SiteVerifyResponse
	err    error
	calls  atomic.Int32
	mu     sync.Mutex
	lastIP string
}

func (v *fakeSiteVerifier) SiteVerify(ctx context.Context, token, remoteIP string) (core.SiteVerifyResponse, error) {
	v.calls.Add(1)
	v.mu.Lock()
	v.lastIP = remoteIP
	v.mu.Unlock()
	return v.resp, v.err
}

func scored(score float64, action string) core.SiteVerifyResponse {
	return core.SiteVerifyResponse{Success: true, Score: core.Score(score), Action: action}
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string, limit core.RateLimit, now time.Time) (core.RateDecision, error) {
	return core.RateDecision{}, errors.New("connection refused")
}

type fakeSink struct {
	mu       sync.Mutex
	contacts []core.Contact
}

func (s *fakeSink) AddContact(ctx context.Context, c core.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append(s.contacts, c)
	return nil
}

// recorder captures every event emitted on a bus
type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{}
	types := []core.EventType{core.EventSubmit, core.EventSuccess, core.EventError, core.EventSecurity}
	bus.SubscribeMany(types, func(e core.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
		return nil
	})
	return r
}

func (r *recorder) all() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

func (r *recorder) ofType(t core.EventType) []core.Event {
	var out []core.Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) ofKind(k core.SecurityKind) []core.Event {
	var out []core.Event
	for _, e := range r.ofType(core.EventSecurity) {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
