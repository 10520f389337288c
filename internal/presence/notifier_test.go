package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/models"
)

type fakePlatform struct {
	granted  bool
	permErr  error
	token    string
	tokenErr error
}

func (p fakePlatform) RequestPermission(context.Context) (bool, error) { return p.granted, p.permErr }
func (p fakePlatform) Token(context.Context) (string, error)           { return p.token, p.tokenErr }

type fakeRegistrar struct {
	err    error
	tokens []string
}

func (r *fakeRegistrar) Register(_ context.Context, token string) error {
	r.tokens = append(r.tokens, token)
	return r.err
}

type fakeSink struct {
	err    error
	tokens []string
}

func (s *fakeSink) RegisterPushToken(_ context.Context, token string) error {
	s.tokens = append(s.tokens, token)
	return s.err
}

type fakeAcceptor struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{}
	release chan struct{}
}

func (a *fakeAcceptor) AcceptJob(ctx context.Context, jobID string) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.entered != nil {
		close(a.entered)
		<-a.release
	}
	return a.err
}

func (a *fakeAcceptor) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestNotifier(acc Acceptor) (*Notifier, *clock.Fake, *[]Offer) {
	c := clock.NewFake(start)
	n := NewNotifier(Options{Acceptor: acc, Clock: c})
	var mu sync.Mutex
	seen := &[]Offer{}
	n.OnOffer(func(o Offer) {
		mu.Lock()
		defer mu.Unlock()
		*seen = append(*seen, o)
	})
	return n, c, seen
}

func newJob(id string) Payload {
	return Payload{
		Title: "New Delivery Job Available!",
		Data: map[string]string{
			"type":             TypeNewJob,
			"job_id":           id,
			"name":             "Office chair",
			"pickup_address":   "Moi Avenue",
			"delivery_address": "Ngong Road",
			"distance":         "6.4",
			"duration":         "25",
			"price":            "450",
		},
	}
}

func TestRequestPermission(t *testing.T) {
	tests := []struct {
		name      string
		platform  Platform
		registrar *fakeRegistrar
		sink      *fakeSink
		wantOK    bool
	}{
		{"granted", fakePlatform{granted: true, token: "tok-1"}, &fakeRegistrar{}, &fakeSink{}, true},
		{"denied", fakePlatform{granted: false, token: "tok-1"}, &fakeRegistrar{}, &fakeSink{}, false},
		{"permission error", fakePlatform{permErr: errors.New("unsupported")}, &fakeRegistrar{}, &fakeSink{}, false},
		{"token error", fakePlatform{granted: true, tokenErr: errors.New("no sw")}, &fakeRegistrar{}, &fakeSink{}, false},
		{"empty token", fakePlatform{granted: true}, &fakeRegistrar{}, &fakeSink{}, false},
		{"registrar error", fakePlatform{granted: true, token: "tok-1"}, &fakeRegistrar{err: errors.New("quota")}, &fakeSink{}, false},
		{"sink error", fakePlatform{granted: true, token: "tok-1"}, &fakeRegistrar{}, &fakeSink{err: errors.New("500")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNotifier(Options{Platform: tt.platform, Registrar: tt.registrar, TokenSink: tt.sink})
			token, ok := n.RequestPermission(context.Background())
			if ok != tt.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tt.wantOK)
			}
			if !ok && token != "" {
				t.Fatalf("expected empty token on failure, got %q", token)
			}
			if ok && (token != "tok-1" || len(tt.sink.tokens) != 1 || len(tt.registrar.tokens) != 1) {
				t.Fatalf("token not registered: %q %v %v", token, tt.registrar.tokens, tt.sink.tokens)
			}
		})
	}
}

func TestRequestPermissionWithoutPlatform(t *testing.T) {
	n := NewNotifier(Options{})
	if token, ok := n.RequestPermission(context.Background()); ok || token != "" {
		t.Fatalf("expected failure, got %q %v", token, ok)
	}
}

func TestDeliverNewJobRaisesOffer(t *testing.T) {
	n, _, seen := newTestNotifier(&fakeAcceptor{})
	n.Deliver(newJob("77"))

	if len(*seen) != 1 {
		t.Fatalf("expected one offer, got %d", len(*seen))
	}
	o := (*seen)[0]
	if o.State != Offered || o.JobID != "77" || o.DistanceKm != 6.4 || o.Price != 450 {
		t.Fatalf("unexpected offer %+v", o)
	}
	if o.Earnings != 360 {
		t.Fatalf("expected earnings 360, got %v", o.Earnings)
	}
	if !o.ExpiresAt.Equal(start.Add(DefaultOfferTTL)) {
		t.Fatalf("expected default expiry, got %v", o.ExpiresAt)
	}
}

func TestDeliverOtherTypesBecomeNotices(t *testing.T) {
	n, _, seen := newTestNotifier(&fakeAcceptor{})
	var notices []Notice
	n.OnNotice(func(nt Notice) { notices = append(notices, nt) })

	n.Deliver(Payload{Title: "Delivered", Data: map[string]string{"type": "job_completed", "job_id": "5"}})
	n.Deliver(Payload{Title: "Hello"})

	if len(*seen) != 0 {
		t.Fatal("notice raised an offer")
	}
	if len(notices) != 2 || notices[0].Type != "job_completed" || notices[1].Title != "Hello" {
		t.Fatalf("unexpected notices %+v", notices)
	}
}

func TestMalformedOfferIsDropped(t *testing.T) {
	n, _, seen := newTestNotifier(&fakeAcceptor{})

	missingID := newJob("")
	badPrice := newJob("8")
	badPrice.Data["price"] = "lots"
	negative := newJob("9")
	negative.Data["price"] = "-1"

	for _, p := range []Payload{missingID, badPrice, negative} {
		n.Deliver(p)
	}
	if len(*seen) != 0 {
		t.Fatalf("malformed offers raised: %+v", *seen)
	}
}

func TestDuplicateOfferIgnored(t *testing.T) {
	n, _, seen := newTestNotifier(&fakeAcceptor{})
	n.Deliver(newJob("1"))
	n.Deliver(newJob("1"))
	if len(*seen) != 1 {
		t.Fatalf("expected duplicate to be ignored, got %d offers", len(*seen))
	}
}

func TestOfferExpires(t *testing.T) {
	acc := &fakeAcceptor{}
	n, c, seen := newTestNotifier(acc)
	n.Deliver(newJob("1"))

	c.Advance(59 * time.Second)
	if o, _ := n.Offer("1"); o.State != Offered {
		t.Fatalf("expired early: %s", o.State)
	}
	c.Advance(time.Second)
	if o, _ := n.Offer("1"); o.State != Expired {
		t.Fatalf("expected expired, got %s", o.State)
	}
	if last := (*seen)[len(*seen)-1]; last.State != Expired {
		t.Fatalf("expected expired notification, got %s", last.State)
	}

	err := n.Acknowledge(context.Background(), "1", Accept)
	if !errors.Is(err, models.ErrOfferNotActive) {
		t.Fatalf("expected ErrOfferNotActive, got %v", err)
	}
	if acc.Calls() != 0 {
		t.Fatal("acceptor called for expired offer")
	}
}

func TestLateOfferIsDropped(t *testing.T) {
	acc := &fakeAcceptor{}
	n, c, seen := newTestNotifier(acc)
	p := newJob("1")
	p.Data["expires_at"] = start.Add(-time.Second).Format(time.RFC3339)
	n.Deliver(p)

	if len(*seen) != 0 {
		t.Fatalf("expected no offer past its deadline, got %+v", *seen)
	}
	if c.Pending() != 0 {
		t.Fatal("expiry timer scheduled for a dropped offer")
	}
	err := n.Acknowledge(context.Background(), "1", Accept)
	if !errors.Is(err, models.ErrOfferNotActive) {
		t.Fatalf("expected ErrOfferNotActive, got %v", err)
	}
	if acc.Calls() != 0 {
		t.Fatal("acceptor called for an offer past its deadline")
	}
}

// stalledClock reports fake time but never fires timers, like a wall-clock
// timer that has not run yet.
type stalledClock struct{ *clock.Fake }

type stalledTimer struct{}

func (stalledTimer) Stop() bool { return true }

func (stalledClock) AfterFunc(time.Duration, func()) clock.Timer { return stalledTimer{} }

func TestAcceptAfterDeadlineWithoutTimer(t *testing.T) {
	acc := &fakeAcceptor{}
	c := stalledClock{clock.NewFake(start)}
	n := NewNotifier(Options{Acceptor: acc, Clock: c})
	var seen []Offer
	n.OnOffer(func(o Offer) { seen = append(seen, o) })
	n.Deliver(newJob("1"))

	c.Advance(DefaultOfferTTL)
	err := n.Acknowledge(context.Background(), "1", Accept)
	if !errors.Is(err, models.ErrOfferNotActive) {
		t.Fatalf("expected ErrOfferNotActive, got %v", err)
	}
	if acc.Calls() != 0 {
		t.Fatal("acceptor called after the deadline")
	}
	if o, _ := n.Offer("1"); o.State != Expired {
		t.Fatalf("expected expired, got %s", o.State)
	}
	if len(seen) != 2 || seen[1].State != Expired {
		t.Fatalf("expected offered then expired, got %+v", seen)
	}
}

func TestAcceptSuccess(t *testing.T) {
	acc := &fakeAcceptor{}
	n, c, seen := newTestNotifier(acc)
	n.Deliver(newJob("1"))

	if err := n.Acknowledge(context.Background(), "1", Accept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o, _ := n.Offer("1"); o.State != Accepted {
		t.Fatalf("expected accepted, got %s", o.State)
	}
	if c.Pending() != 0 {
		t.Fatal("expiry timer still pending after accept")
	}
	c.Advance(time.Hour)
	if last := (*seen)[len(*seen)-1]; last.State != Accepted {
		t.Fatalf("state changed after accept: %s", last.State)
	}
	if err := n.Acknowledge(context.Background(), "1", Accept); !errors.Is(err, models.ErrOfferNotActive) {
		t.Fatalf("expected second accept to be rejected, got %v", err)
	}
	if acc.Calls() != 1 {
		t.Fatalf("expected one backend call, got %d", acc.Calls())
	}
}

func TestAcceptFailureKeepsOfferLive(t *testing.T) {
	acc := &fakeAcceptor{err: errors.New("job already taken")}
	n, _, _ := newTestNotifier(acc)
	n.Deliver(newJob("1"))

	err := n.Acknowledge(context.Background(), "1", Accept)
	var ae *AcceptError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AcceptError, got %v", err)
	}
	if ae.Reason != "job already taken" || ae.JobID != "1" {
		t.Fatalf("unexpected error %+v", ae)
	}
	if o, _ := n.Offer("1"); o.State != Offered {
		t.Fatalf("expected offer to stay live, got %s", o.State)
	}
	if acc.Calls() != 1 {
		t.Fatalf("accept must not be retried, got %d calls", acc.Calls())
	}

	if err := n.Acknowledge(context.Background(), "1", Decline); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if o, _ := n.Offer("1"); o.State != Declined {
		t.Fatalf("expected declined, got %s", o.State)
	}
}

func TestExpiryDuringAcceptAppliedAfterFailure(t *testing.T) {
	acc := &fakeAcceptor{err: errors.New("timeout"), entered: make(chan struct{}), release: make(chan struct{})}
	n, c, _ := newTestNotifier(acc)
	n.Deliver(newJob("1"))

	done := make(chan error, 1)
	go func() { done <- n.Acknowledge(context.Background(), "1", Accept) }()
	<-acc.entered

	c.Advance(DefaultOfferTTL)
	if o, _ := n.Offer("1"); o.State != Offered {
		t.Fatalf("expiry applied while accept in flight: %s", o.State)
	}
	close(acc.release)

	var ae *AcceptError
	if err := <-done; !errors.As(err, &ae) {
		t.Fatalf("expected AcceptError, got %v", err)
	}
	if o, _ := n.Offer("1"); o.State != Expired {
		t.Fatalf("expected expired after failed accept, got %s", o.State)
	}
}

func TestExpiryDuringAcceptLosesToSuccess(t *testing.T) {
	acc := &fakeAcceptor{entered: make(chan struct{}), release: make(chan struct{})}
	n, c, _ := newTestNotifier(acc)
	n.Deliver(newJob("1"))

	done := make(chan error, 1)
	go func() { done <- n.Acknowledge(context.Background(), "1", Accept) }()
	<-acc.entered
	c.Advance(DefaultOfferTTL)
	close(acc.release)

	if err := <-done; err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o, _ := n.Offer("1"); o.State != Accepted {
		t.Fatalf("expected accepted, got %s", o.State)
	}
}

func TestViewKeepsOfferLive(t *testing.T) {
	n, _, seen := newTestNotifier(&fakeAcceptor{})
	n.Deliver(newJob("1"))
	if err := n.Acknowledge(context.Background(), "1", View); err != nil {
		t.Fatalf("view: %v", err)
	}
	if o, _ := n.Offer("1"); o.State != Offered {
		t.Fatalf("view changed state to %s", o.State)
	}
	if len(*seen) != 1 {
		t.Fatalf("view should not notify, got %d notifications", len(*seen))
	}
}

func TestAcknowledgeUnknownOffer(t *testing.T) {
	acc := &fakeAcceptor{}
	n, _, _ := newTestNotifier(acc)
	err := n.Acknowledge(context.Background(), "missing", Accept)
	if !errors.Is(err, models.ErrOfferNotActive) || !errors.Is(err, models.ErrOfferNotFound) {
		t.Fatalf("unexpected error %v", err)
	}
	if acc.Calls() != 0 {
		t.Fatal("acceptor called for unknown offer")
	}
}

func TestDeliverOfferFromChannel(t *testing.T) {
	n, c, seen := newTestNotifier(&fakeAcceptor{})
	n.DeliverOffer(models.JobOffer{JobID: "3", Name: "Books", Price: 100, ExpiresAt: start.Add(10 * time.Second)})
	c.Advance(10 * time.Second)
	if len(*seen) != 2 || (*seen)[1].State != Expired {
		t.Fatalf("expected offered then expired, got %+v", *seen)
	}
}

type fakeTopics struct {
	resp *messaging.TopicManagementResponse
	err  error
	got  []string
}

func (f *fakeTopics) SubscribeToTopic(_ context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error) {
	f.got = append(f.got, topic)
	return f.resp, f.err
}

func TestFCMRegistrar(t *testing.T) {
	ok := &fakeTopics{resp: &messaging.TopicManagementResponse{SuccessCount: 1}}
	r := &FCMRegistrar{client: ok, topic: "couriers"}
	if err := r.Register(context.Background(), "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(ok.got) != 1 || ok.got[0] != "couriers" {
		t.Fatalf("unexpected topic calls %v", ok.got)
	}

	failed := &fakeTopics{resp: &messaging.TopicManagementResponse{
		FailureCount: 1,
		Errors:       []*messaging.ErrorInfo{{Index: 0, Reason: "invalid-argument"}},
	}}
	r = &FCMRegistrar{client: failed, topic: "couriers"}
	if err := r.Register(context.Background(), "tok"); err == nil {
		t.Fatal("expected failure count to surface as error")
	}
}
