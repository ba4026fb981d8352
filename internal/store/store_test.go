package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telemetrybridge/go-mqtt-ingester/internal/model"
)

var storeTestEpoch = time.Date(2026, 2, 28, 14, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "nested", "telemetry_test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return s
}

func reading(deviceID string, temperature float64, at time.Time) model.Reading {
	return model.Reading{
		DeviceID:    deviceID,
		Temperature: temperature,
		Humidity:    50,
		Status:      model.StatusNormal,
		CapturedAt:  at,
	}
}

func TestAppendAndQueryReadings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	keys := map[string]bool{}
	for i := 0; i < 3; i++ {
		key, err := s.AppendReading(ctx, "uno-1", reading("uno-1", float64(20+i), storeTestEpoch.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("AppendReading: %v", err)
		}
		if key == "" || keys[key] {
			t.Fatalf("key %q empty or duplicated", key)
		}
		keys[key] = true
	}
	if _, err := s.AppendReading(ctx, "uno-2", reading("uno-2", 5, storeTestEpoch)); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}

	entries, err := s.DeviceReadings(ctx, "uno-1", 10, nil)
	if err != nil {
		t.Fatalf("DeviceReadings: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Temperature != 22 || entries[2].Temperature != 20 {
		t.Errorf("order = %v, %v, %v", entries[0].Temperature, entries[1].Temperature, entries[2].Temperature)
	}
	if !entries[2].Timestamp.Equal(storeTestEpoch) {
		t.Errorf("timestamp = %v, want %v", entries[2].Timestamp, storeTestEpoch)
	}
	if entries[0].Status != model.StatusNormal || entries[0].Humidity != 50 {
		t.Errorf("entry = %+v", entries[0])
	}

	all, err := s.AllDeviceReadings(ctx, "uno-1")
	if err != nil {
		t.Fatalf("AllDeviceReadings: %v", err)
	}
	for i, entry := range all {
		if want := float64(20 + i); entry.Temperature != want {
			t.Errorf("entry %d temperature = %v, want %v", i, entry.Temperature, want)
		}
	}
}

func TestDeviceReadingsSinceAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		// Sub-second offsets exercise the fixed-width timestamp ordering.
		at := storeTestEpoch.Add(time.Duration(i) * 500 * time.Millisecond)
		if _, err := s.AppendReading(ctx, "uno-1", reading("uno-1", float64(i), at)); err != nil {
			t.Fatal(err)
		}
	}

	since := storeTestEpoch.Add(time.Second)
	entries, err := s.DeviceReadings(ctx, "uno-1", 10, &since)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries since = %d, want 2", len(entries))
	}

	limited, err := s.DeviceReadings(ctx, "uno-1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Temperature != 4 {
		t.Errorf("limited = %+v", limited)
	}
}

func TestDevices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, r := range []model.Reading{
		reading("uno-2", 1, storeTestEpoch),
		reading("uno-1", 1, storeTestEpoch),
		reading("uno-1", 2, storeTestEpoch.Add(time.Minute)),
	} {
		if _, err := s.AppendReading(ctx, r.DeviceID, r); err != nil {
			t.Fatal(err)
		}
	}

	devices, err := s.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	if devices[0].DeviceID != "uno-1" || devices[0].Readings != 2 {
		t.Errorf("devices[0] = %+v", devices[0])
	}
	if !devices[0].LastSeen.Equal(storeTestEpoch.Add(time.Minute)) {
		t.Errorf("last seen = %v", devices[0].LastSeen)
	}
}

func TestRejectionsAndWipe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	value := 999.0
	err := s.InsertRejection(ctx, model.Rejection{
		Topic:     "sensors/telemetry",
		Reason:    "out_of_range",
		Field:     "temperature",
		Value:     &value,
		Payload:   `{"temperature":999,"humidity":50}`,
		Error:     "temperature out of range: 999",
		CreatedAt: storeTestEpoch,
	})
	if err != nil {
		t.Fatalf("InsertRejection: %v", err)
	}
	if err := s.InsertRejection(ctx, model.Rejection{Reason: "malformed_encoding", Error: "malformed encoding"}); err != nil {
		t.Fatalf("InsertRejection: %v", err)
	}

	rejections, err := s.RecentRejections(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRejections: %v", err)
	}
	if len(rejections) != 2 {
		t.Fatalf("rejections = %d, want 2", len(rejections))
	}
	if rejections[1].Field != "temperature" || !rejections[1].CreatedAt.Equal(storeTestEpoch) {
		t.Errorf("rejection = %+v", rejections[1])
	}
	if rejections[1].Value == nil || *rejections[1].Value != 999 {
		t.Errorf("rejection value = %v, want 999", rejections[1].Value)
	}
	if rejections[0].Value != nil {
		t.Errorf("malformed rejection value = %v, want nil", *rejections[0].Value)
	}

	if _, err := s.AppendReading(ctx, "uno-1", reading("uno-1", 1, storeTestEpoch)); err != nil {
		t.Fatal(err)
	}
	if err := s.WipeData(ctx); err != nil {
		t.Fatalf("WipeData: %v", err)
	}

	devices, err := s.Devices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rejections, err = s.RecentRejections(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 0 || len(rejections) != 0 {
		t.Errorf("after wipe: %d devices, %d rejections", len(devices), len(rejections))
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("postgres", "whatever"); err == nil {
		t.Fatal("Open accepted unsupported driver")
	}
}

func TestUninitializedStore(t *testing.T) {
	var s Store
	if _, err := s.AppendReading(context.Background(), "uno-1", model.Reading{}); err == nil {
		t.Error("AppendReading on zero Store succeeded")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on zero Store: %v", err)
	}
}
