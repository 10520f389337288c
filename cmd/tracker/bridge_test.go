package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/presence"
	"github.com/example/parcel-tracking/internal/tracking"
)

type recordingCourier struct{ got []models.CourierPosition }

func (r *recordingCourier) ApplyCourier(pos models.CourierPosition) bool {
	r.got = append(r.got, pos)
	return true
}

type recordingOffers struct{ got []models.JobOffer }

func (r *recordingOffers) DeliverOffer(o models.JobOffer) { r.got = append(r.got, o) }

func TestBridgeRoutesMessages(t *testing.T) {
	var buf bytes.Buffer
	courier := &recordingCourier{}
	offers := &recordingOffers{}
	b := &bridge{jobID: "j-1", courier: courier, offers: offers, out: newPrinter(&buf), log: logging.Nop()}

	pos := models.CourierPosition{GeoPoint: models.GeoPoint{Lat: -1.29, Lng: 36.81}}
	unread := 3
	b.handle(models.ChannelMessage{Kind: models.KindLocation, JobID: "j-1", Courier: &pos})
	b.handle(models.ChannelMessage{Kind: models.KindLocation, JobID: "j-2", Courier: &pos})
	b.handle(models.ChannelMessage{Kind: models.KindPresence, Job: &models.JobOffer{JobID: "j-9", Name: "Documents"}})
	b.handle(models.ChannelMessage{Kind: models.KindChat, Message: &models.ChatMessage{ID: "m1", Content: "On my way"}})
	b.handle(models.ChannelMessage{Kind: models.KindUnread, Unread: &unread})

	if len(courier.got) != 1 {
		t.Fatalf("expected only this job's position applied, got %d", len(courier.got))
	}
	if len(offers.got) != 1 || offers.got[0].JobID != "j-9" {
		t.Fatalf("unexpected offers %+v", offers.got)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"kind":"chat"`) || !strings.Contains(lines[1], `"count":3`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestPlanHandlerClosesOnTerminal(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan struct{})
	h := planHandler(newPrinter(&buf), logging.Nop(), done)

	h(tracking.Update{JobID: "j-1", Snapshot: models.TrackingSnapshot{Status: models.StatusDelivering}})
	select {
	case <-done:
		t.Fatal("closed while job still live")
	default:
	}
	h(tracking.Update{JobID: "j-1", Snapshot: models.TrackingSnapshot{Status: models.StatusCompleted}})
	h(tracking.Update{JobID: "j-1", Err: models.ErrJobNotFound})
	select {
	case <-done:
	default:
		t.Fatal("expected done after completion")
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(buf.String(), "\n", 2)[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["kind"] != "plan" {
		t.Fatalf("unexpected first line %v", first)
	}
}

type failingAcceptor struct{ calls int }

func (a *failingAcceptor) AcceptJob(context.Context, string) error {
	a.calls++
	return errors.New("You already have an active job")
}

func TestReadDecisions(t *testing.T) {
	acc := &failingAcceptor{}
	n := presence.NewNotifier(presence.Options{Acceptor: acc, OfferTTL: time.Minute})
	n.DeliverOffer(models.JobOffer{JobID: "j-9", Name: "Documents", Price: 100})

	var buf bytes.Buffer
	in := strings.NewReader("view j-9\nbogus\naccept j-9\ndecline j-9\n")
	if err := readDecisions(context.Background(), in, n, newPrinter(&buf)); err != nil {
		t.Fatal(err)
	}
	if acc.calls != 1 {
		t.Fatalf("expected one accept call, got %d", acc.calls)
	}
	o, ok := n.Offer("j-9")
	if !ok || o.State != presence.Declined {
		t.Fatalf("expected declined offer, got %+v", o)
	}
	if !strings.Contains(buf.String(), "active job") {
		t.Fatalf("expected accept failure printed, got %q", buf.String())
	}
}
