package vpn

import "testing"

func TestBarrier_AllOrderings(t *testing.T) {
	orders := []struct {
		name  string
		gates []Gate
	}{
		{"network first", []Gate{GateNetwork, GateProcess}},
		{"process first", []Gate{GateProcess, GateNetwork}},
		{"network repeated", []Gate{GateNetwork, GateNetwork, GateProcess}},
		{"process repeated", []Gate{GateProcess, GateProcess, GateNetwork, GateProcess}},
	}

	for _, dir := range []Direction{DirConnect, DirDisconnect} {
		for _, tt := range orders {
			t.Run(dir.String()+"/"+tt.name, func(t *testing.T) {
				var b Barrier
				fired := 0
				for i, g := range tt.gates {
					b.Set(dir, g)
					// Both sources check after their own set
					for range 2 {
						if b.Check(dir) {
							fired++
							if !b.IsSet(dir, GateNetwork) || !b.IsSet(dir, GateProcess) {
								t.Fatalf("fired at step %d before both gates were set", i)
							}
						}
					}
				}
				if fired != 1 {
					t.Errorf("Check() fired %d times, want 1", fired)
				}
				if !b.Fired(dir) {
					t.Error("Fired() = false after firing")
				}
			})
		}
	}
}

func TestBarrier_DirectionsIndependent(t *testing.T) {
	var b Barrier
	b.Set(DirConnect, GateNetwork)
	b.Set(DirConnect, GateProcess)
	b.Set(DirDisconnect, GateProcess)

	if b.Check(DirDisconnect) {
		t.Error("disconnect fired with only one gate set")
	}
	if !b.Check(DirConnect) {
		t.Error("connect should fire with both gates set")
	}
	if b.IsSet(DirDisconnect, GateNetwork) {
		t.Error("connect gates leaked into the disconnect pair")
	}
}

func TestBarrier_Reset(t *testing.T) {
	var b Barrier
	b.Set(DirConnect, GateNetwork)
	b.Set(DirConnect, GateProcess)
	b.Check(DirConnect)
	b.Set(DirDisconnect, GateNetwork)

	b.Reset()

	for _, dir := range []Direction{DirConnect, DirDisconnect} {
		if b.Fired(dir) {
			t.Errorf("Fired(%v) = true after Reset", dir)
		}
		for _, g := range []Gate{GateNetwork, GateProcess} {
			if b.IsSet(dir, g) {
				t.Errorf("IsSet(%v, %v) = true after Reset", dir, g)
			}
		}
	}

	// A stale gate from the previous lifecycle must not trigger the new one
	b.Set(DirConnect, GateProcess)
	if b.Check(DirConnect) {
		t.Error("Check() fired with only one gate after Reset")
	}
}

func TestBarrier_InvalidArguments(t *testing.T) {
	var b Barrier
	b.Set(Direction(5), GateNetwork)
	b.Set(DirConnect, Gate(-1))
	if b.Check(Direction(5)) {
		t.Error("Check() on invalid direction fired")
	}
	if b.IsSet(DirConnect, Gate(-1)) {
		t.Error("IsSet() on invalid gate = true")
	}
}
