package coordinate

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func TestClient_New(t *testing.T) {
	config := DefaultConfig()
	client, err := NewClient(config)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(NewCoordinate(config), client.GetCoordinate()) {
		t.Fatalf("a new client should start at a fresh coordinate")
	}
}

func TestClient_NewRejectsZeroDimensions(t *testing.T) {
	config := DefaultConfig()
	config.Dimensionality = 0
	if _, err := NewClient(config); err == nil {
		t.Fatalf("expected an error for zero dimensionality")
	}
}

func TestClient_UpdateConverges(t *testing.T) {
	rtt := 100 * time.Millisecond
	a, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10000; i++ {
		a.Update(b.GetCoordinate(), rtt)
		b.Update(a.GetCoordinate(), rtt)
	}

	dist := a.DistanceTo(b.GetCoordinate())
	if errRatio := math.Abs(float64(dist-rtt)) / float64(rtt); errRatio > 0.01 {
		t.Fatalf("estimated RTT %v should be within 1%% of %v", dist, rtt)
	}
}

func TestClient_UpdateWithMismatchedDimensionsPanics(t *testing.T) {
	client, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	other := NewCoordinate(&Config{Dimensionality: DefaultConfig().Dimensionality + 1, VivaldiErrorMax: 1.5})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for mismatched dimensionality")
		}
	}()
	client.Update(other, time.Second)
}
