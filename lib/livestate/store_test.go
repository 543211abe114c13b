// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package livestate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/qaeye/fleetrelay/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *clock.FakeClock) {
	fake := clock.Fake(epoch)
	return NewStore(fake, Placeholder()), fake
}

func TestParseMode(t *testing.T) {
	for _, name := range []string{"stats", "configs"} {
		mode, err := ParseMode(name)
		if err != nil || string(mode) != name {
			t.Errorf("ParseMode(%q) = %q, %v", name, mode, err)
		}
	}
	for _, name := range []string{"", "frame", "Stats", "logs"} {
		if _, err := ParseMode(name); !errors.Is(err, ErrUnknownMode) {
			t.Errorf("ParseMode(%q) error = %v, want ErrUnknownMode", name, err)
		}
	}
}

func TestActivateCreatesRecord(t *testing.T) {
	store, _ := newTestStore()

	created, cameOnline := store.Activate("camA")
	if !created || !cameOnline {
		t.Fatalf("Activate = created %v, cameOnline %v; want true, true", created, cameOnline)
	}

	snapshot, ok := store.Snapshot("camA")
	if !ok {
		t.Fatal("no record after Activate")
	}
	if snapshot.Status != Online {
		t.Errorf("Status = %s, want online", snapshot.Status)
	}
	if !snapshot.HasFrame() || !snapshot.Placeholder {
		t.Errorf("new record should carry the placeholder frame")
	}
	if len(snapshot.Stats) != 0 || len(snapshot.Configs) != 0 {
		t.Errorf("new record has telemetry: %v %v", snapshot.Stats, snapshot.Configs)
	}
	if !snapshot.LastSeenAt.Equal(epoch) {
		t.Errorf("LastSeenAt = %v, want %v", snapshot.LastSeenAt, epoch)
	}
}

func TestActivateWithoutPlaceholder(t *testing.T) {
	store := NewStore(clock.Fake(epoch), nil)
	store.Activate("camA")

	frame, known := store.Frame("camA")
	if !known || frame != nil {
		t.Errorf("Frame = %v, %v; want nil, true", frame, known)
	}
	snapshot, _ := store.Snapshot("camA")
	if snapshot.Placeholder || snapshot.HasFrame() {
		t.Errorf("record without placeholder reports a frame: %+v", snapshot)
	}
}

func TestReconnectRetainsFields(t *testing.T) {
	store, fake := newTestStore()
	store.Activate("camA")
	store.UpdateFrame("camA", []byte("F1"))
	store.MergeTelemetry("camA", ModeStats, map[string]any{"fps": 12})
	store.MergeTelemetry("camA", ModeConfigs, map[string]any{"threshold": 0.5})

	if wentOffline, err := store.SetOffline("camA"); err != nil || !wentOffline {
		t.Fatalf("SetOffline = %v, %v", wentOffline, err)
	}
	offline, _ := store.Snapshot("camA")
	if offline.Status != Offline {
		t.Errorf("Status = %s after SetOffline", offline.Status)
	}
	if !bytes.Equal(offline.Frame, []byte("F1")) || offline.Stats["fps"] != 12 || offline.Configs["threshold"] != 0.5 {
		t.Errorf("disconnect changed retained fields: %+v", offline)
	}

	fake.Advance(time.Minute)
	created, cameOnline := store.Activate("camA")
	if created || !cameOnline {
		t.Errorf("reconnect Activate = created %v, cameOnline %v; want false, true", created, cameOnline)
	}
	online, _ := store.Snapshot("camA")
	if online.Status != Online || !online.LastSeenAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("reconnect did not refresh status: %+v", online)
	}
	if !bytes.Equal(online.Frame, []byte("F1")) || online.Stats["fps"] != 12 {
		t.Errorf("reconnect reset retained fields: %+v", online)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestUpdateFrame(t *testing.T) {
	store, fake := newTestStore()

	if _, err := store.UpdateFrame("camA", []byte("F")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("UpdateFrame on unknown device = %v, want ErrUnknownDevice", err)
	}
	if store.Known("camA") {
		t.Fatal("UpdateFrame created a record")
	}

	store.Activate("camA")
	store.SetOffline("camA")
	fake.Advance(5 * time.Second)

	cameOnline, err := store.UpdateFrame("camA", []byte("F"))
	if err != nil || !cameOnline {
		t.Fatalf("UpdateFrame = %v, %v; want true, nil", cameOnline, err)
	}
	frame, _ := store.Frame("camA")
	if string(frame) != "F" {
		t.Errorf("Frame = %q", frame)
	}
	snapshot, _ := store.Snapshot("camA")
	if snapshot.Placeholder {
		t.Error("Placeholder still set after a real frame")
	}
	if !snapshot.LastSeenAt.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("LastSeenAt = %v", snapshot.LastSeenAt)
	}

	if cameOnline, _ := store.UpdateFrame("camA", []byte("G")); cameOnline {
		t.Error("second frame reported a status transition")
	}
}

func TestMergeTelemetryLastWriteWinsPerField(t *testing.T) {
	store, _ := newTestStore()
	store.Activate("camA")

	store.MergeTelemetry("camA", ModeStats, map[string]any{"a": 1})
	store.MergeTelemetry("camA", ModeStats, map[string]any{"a": 2})
	snapshot, _ := store.Snapshot("camA")
	if snapshot.Stats["a"] != 2 {
		t.Errorf("stats.a = %v, want 2", snapshot.Stats["a"])
	}

	store.MergeTelemetry("camA", ModeStats, map[string]any{"b": 2})
	snapshot, _ = store.Snapshot("camA")
	if len(snapshot.Stats) != 2 || snapshot.Stats["a"] != 2 || snapshot.Stats["b"] != 2 {
		t.Errorf("stats = %v, want {a:2 b:2}", snapshot.Stats)
	}
	if len(snapshot.Configs) != 0 {
		t.Errorf("stats merge touched configs: %v", snapshot.Configs)
	}

	store.MergeTelemetry("camA", ModeConfigs, map[string]any{"a": "cfg"})
	snapshot, _ = store.Snapshot("camA")
	if snapshot.Configs["a"] != "cfg" || snapshot.Stats["a"] != 2 {
		t.Errorf("configs merge leaked into stats: stats %v configs %v", snapshot.Stats, snapshot.Configs)
	}
}

func TestMergeTelemetryNonFiniteFloats(t *testing.T) {
	store, _ := newTestStore()
	store.Activate("camA")

	nested := map[string]any{"min": math.Inf(-1), "max": 41.5}
	data := map[string]any{
		"temp":     math.NaN(),
		"fps":      float32(math.Inf(1)),
		"range":    nested,
		"readings": []any{1.0, math.NaN()},
	}
	if _, err := store.MergeTelemetry("camA", ModeStats, data); err != nil {
		t.Fatalf("MergeTelemetry: %v", err)
	}

	snapshot, _ := store.Snapshot("camA")
	if snapshot.Stats["temp"] != "NaN" || snapshot.Stats["fps"] != "+Inf" {
		t.Errorf("stats = %v, want NaN and +Inf as strings", snapshot.Stats)
	}
	stored := snapshot.Stats["range"].(map[string]any)
	if stored["min"] != "-Inf" || stored["max"] != 41.5 {
		t.Errorf("range = %v, want min -Inf as a string and max kept", stored)
	}
	if readings := snapshot.Stats["readings"].([]any); readings[0] != 1.0 || readings[1] != "NaN" {
		t.Errorf("readings = %v", readings)
	}
	if _, err := json.Marshal(snapshot); err != nil {
		t.Errorf("snapshot not JSON-encodable: %v", err)
	}
	if !math.IsInf(nested["min"].(float64), -1) {
		t.Error("caller's nested map was modified")
	}
}

func TestMergeTelemetryRejects(t *testing.T) {
	store, _ := newTestStore()

	if _, err := store.MergeTelemetry("camA", ModeStats, map[string]any{"a": 1}); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("unknown device error = %v", err)
	}

	store.Activate("camA")
	before, _ := store.Snapshot("camA")
	if _, err := store.MergeTelemetry("camA", Mode("logs"), map[string]any{"a": 1}); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("unknown mode error = %v", err)
	}
	after, _ := store.Snapshot("camA")
	if len(after.Stats) != 0 || len(after.Configs) != 0 || !after.LastSeenAt.Equal(before.LastSeenAt) {
		t.Errorf("rejected telemetry changed the record: %+v", after)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	store, _ := newTestStore()
	store.Activate("camA")
	store.MergeTelemetry("camA", ModeStats, map[string]any{"a": 1})

	snapshot, _ := store.Snapshot("camA")
	snapshot.Stats["a"] = 99
	snapshot.Stats["injected"] = true

	again, _ := store.Snapshot("camA")
	if again.Stats["a"] != 1 || len(again.Stats) != 1 {
		t.Errorf("store mutated through a snapshot: %v", again.Stats)
	}
}

func TestSetOfflineUnknownDevice(t *testing.T) {
	store, _ := newTestStore()
	if _, err := store.SetOffline("ghost"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("SetOffline(ghost) = %v", err)
	}
	if store.Known("ghost") {
		t.Error("SetOffline created a record")
	}
}

func TestMarkStale(t *testing.T) {
	store, fake := newTestStore()
	store.Activate("camA")
	store.Activate("camB")
	store.Activate("camC")
	store.SetOffline("camC")

	fake.Advance(50 * time.Second)
	store.UpdateFrame("camB", []byte("F"))
	fake.Advance(20 * time.Second)

	stale := store.MarkStale(fake.Now().Add(-60 * time.Second))
	if len(stale) != 1 || stale[0] != "camA" {
		t.Fatalf("MarkStale = %v, want [camA]", stale)
	}

	snapshot, _ := store.Snapshot("camA")
	if snapshot.Status != Offline {
		t.Errorf("camA status = %s", snapshot.Status)
	}
	snapshot, _ = store.Snapshot("camB")
	if snapshot.Status != Online {
		t.Errorf("camB status = %s", snapshot.Status)
	}

	// Already offline records are not reported again.
	if again := store.MarkStale(fake.Now()); len(again) != 1 || again[0] != "camB" {
		t.Errorf("second MarkStale = %v, want [camB]", again)
	}

	// A frame flips a stale device back online.
	if cameOnline, _ := store.UpdateFrame("camA", []byte("F")); !cameOnline {
		t.Error("frame after staleness did not report coming online")
	}
}

func TestSnapshotsOrdered(t *testing.T) {
	store, _ := newTestStore()
	for _, deviceID := range []string{"camC", "camA", "camB"} {
		store.Activate(deviceID)
	}
	snapshots := store.Snapshots()
	if len(snapshots) != 3 {
		t.Fatalf("got %d snapshots", len(snapshots))
	}
	for index, want := range []string{"camA", "camB", "camC"} {
		if snapshots[index].DeviceID != want {
			t.Errorf("snapshots[%d] = %s, want %s", index, snapshots[index].DeviceID, want)
		}
	}
}

func TestConcurrentMutationsOfOneDevice(t *testing.T) {
	store, _ := newTestStore()
	store.Activate("camA")

	const writers = 8
	const perWriter = 100
	var waitGroup sync.WaitGroup
	for writer := 0; writer < writers; writer++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%d", writer, i)
				store.MergeTelemetry("camA", ModeStats, map[string]any{key: i})
				store.UpdateFrame("camA", []byte(key))
				store.Snapshot("camA")
			}
		}()
	}
	waitGroup.Wait()

	snapshot, _ := store.Snapshot("camA")
	if len(snapshot.Stats) != writers*perWriter {
		t.Errorf("stats has %d fields, want %d", len(snapshot.Stats), writers*perWriter)
	}
}

func TestPlaceholderIsValidJPEG(t *testing.T) {
	encoded := Placeholder()
	if len(encoded) == 0 {
		t.Fatal("empty placeholder")
	}
	decoded, err := jpeg.Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("placeholder is not a JPEG: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != PlaceholderWidth || bounds.Dy() != PlaceholderHeight {
		t.Errorf("placeholder is %dx%d", bounds.Dx(), bounds.Dy())
	}

	// Text pixels near the centre are bright; the corner is dark.
	var brightest uint32
	for x := bounds.Dx() / 3; x < 2*bounds.Dx()/3; x++ {
		r, _, _, _ := decoded.At(x, bounds.Dy()/2).RGBA()
		brightest = max(brightest, r)
	}
	if brightest < 0x8000 {
		t.Error("no text rendered across the centre line")
	}
	if r, _, _, _ := decoded.At(2, 2).RGBA(); r > 0x2000 {
		t.Errorf("corner is not black: %#x", r)
	}

	if &Placeholder()[0] != &encoded[0] {
		t.Error("placeholder rendered more than once")
	}
}
