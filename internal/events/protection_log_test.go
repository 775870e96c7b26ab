package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type captureStore struct {
	saved []ProtectionEvent
	err   error
}

func (s *captureStore) SaveEvent(ctx context.Context, event *ProtectionEvent) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, *event)
	return nil
}

func TestRecordStampsSequencePerPosition(t *testing.T) {
	log := NewLog(nil, nil, zerolog.Nop())
	ctx := context.Background()

	a1 := log.Record(ctx, ProtectionEvent{PositionID: "pos-a", Symbol: "BTCUSDT", Action: ActionRecreate, Result: ResultSuccess})
	b1 := log.Record(ctx, ProtectionEvent{PositionID: "pos-b", Symbol: "ETHUSDT", Action: ActionRecreate, Result: ResultSuccess})
	a2 := log.Record(ctx, ProtectionEvent{PositionID: "pos-a", Symbol: "BTCUSDT", Action: ActionSyncStop, Result: ResultSuccess})

	if a1.Sequence != 1 || a2.Sequence != 2 {
		t.Errorf("pos-a sequences = %d, %d, want 1, 2", a1.Sequence, a2.Sequence)
	}
	if b1.Sequence != 1 {
		t.Errorf("pos-b sequence = %d, want its own counter starting at 1", b1.Sequence)
	}
	if a1.ID == "" || a1.ID == a2.ID {
		t.Error("events did not get distinct IDs")
	}
	if a1.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if log.LastSequence("pos-a") != 2 {
		t.Errorf("LastSequence = %d, want 2", log.LastSequence("pos-a"))
	}
}

func TestRecordPersistsAndPublishes(t *testing.T) {
	store := &captureStore{}
	bus := NewBus()
	var published []Event
	bus.Subscribe(EventProtectionEvent, func(ev Event) {
		published = append(published, ev)
	})
	log := NewLog(store, bus, zerolog.Nop())

	recorded := log.Record(context.Background(), ProtectionEvent{
		PositionID: "pos-a",
		Symbol:     "BTCUSDT",
		Action:     ActionPartialExit,
		Result:     ResultRolledBack,
		OrderIDs:   []int64{101, 102},
	})

	if len(store.saved) != 1 || store.saved[0].ID != recorded.ID {
		t.Fatalf("store saved %d events, want the recorded one", len(store.saved))
	}
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	pe, ok := published[0].Data["event"].(ProtectionEvent)
	if !ok {
		t.Fatalf("bus payload = %T, want ProtectionEvent", published[0].Data["event"])
	}
	if pe.Action != ActionPartialExit || pe.Result != ResultRolledBack {
		t.Errorf("published event = %+v", pe)
	}
}

func TestRecordKeepsSequencingWhenStoreFails(t *testing.T) {
	store := &captureStore{err: errors.New("database down")}
	log := NewLog(store, nil, zerolog.Nop())
	ctx := context.Background()

	first := log.Record(ctx, ProtectionEvent{PositionID: "pos-a", Symbol: "BTCUSDT", Action: ActionRecreate, Result: ResultFailure})
	second := log.Record(ctx, ProtectionEvent{PositionID: "pos-a", Symbol: "BTCUSDT", Action: ActionRecreate, Result: ResultSuccess})

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Errorf("sequences = %d, %d despite store failure, want 1, 2", first.Sequence, second.Sequence)
	}
	if got := log.Recent(0); len(got) != 2 {
		t.Errorf("Recent kept %d events, want 2", len(got))
	}
}

func TestRecentRingIsBounded(t *testing.T) {
	log := NewLog(nil, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < recentCapacity+10; i++ {
		log.Record(ctx, ProtectionEvent{
			PositionID: "pos-a",
			Symbol:     "BTCUSDT",
			Action:     ActionSyncStop,
			Reason:     fmt.Sprintf("tick %d", i),
			Result:     ResultSuccess,
		})
	}

	all := log.Recent(0)
	if len(all) != recentCapacity {
		t.Fatalf("ring holds %d events, want %d", len(all), recentCapacity)
	}
	if all[len(all)-1].Sequence != int64(recentCapacity+10) {
		t.Errorf("newest sequence = %d, want %d", all[len(all)-1].Sequence, recentCapacity+10)
	}

	last5 := log.Recent(5)
	if len(last5) != 5 || last5[4].Sequence != all[len(all)-1].Sequence {
		t.Errorf("Recent(5) = %d events ending at %d", len(last5), last5[len(last5)-1].Sequence)
	}
}
