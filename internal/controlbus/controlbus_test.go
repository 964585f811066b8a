package controlbus

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockStation answers with its configured handle function.
type mockStation struct {
	hashID string
	handle func(ctx context.Context, req Request) Response
}

func (m *mockStation) HashID() string { return m.hashID }

func (m *mockStation) Handle(ctx context.Context, req Request) Response {
	return m.handle(ctx, req)
}

type mockSimulator struct {
	handle func(ctx context.Context, req Request) Response
}

func (m *mockSimulator) HandleSimulator(ctx context.Context, req Request) Response {
	return m.handle(ctx, req)
}

func succeeding(hashID string) *mockStation {
	return &mockStation{hashID: hashID, handle: func(context.Context, Request) Response {
		return Success()
	}}
}

func failing(hashID string) *mockStation {
	return &mockStation{hashID: hashID, handle: func(context.Context, Request) Response {
		return Failure("boom")
	}}
}

func TestBus_Dispatch_SimulatorProcedure(t *testing.T) {
	bus := New(zap.NewNop())
	called := false
	bus.SetSimulatorHandler(&mockSimulator{handle: func(_ context.Context, req Request) Response {
		called = true
		if req.Procedure != ProcedureListChargingStations {
			t.Errorf("expected procedure '%s', got '%s'", ProcedureListChargingStations, req.Procedure)
		}
		return Success()
	}})

	resp := bus.Dispatch(context.Background(), Request{ID: "1", Procedure: ProcedureListChargingStations})
	if !called {
		t.Fatal("expected the simulator handler to be invoked")
	}
	if resp.Status != StatusSuccess {
		t.Errorf("expected status '%s', got '%s'", StatusSuccess, resp.Status)
	}
}

func TestBus_Dispatch_NoSimulatorHandler(t *testing.T) {
	bus := New(zap.NewNop())
	resp := bus.Dispatch(context.Background(), Request{ID: "1", Procedure: ProcedureStartSimulator})
	if resp.Status != StatusFailure {
		t.Errorf("expected status '%s', got '%s'", StatusFailure, resp.Status)
	}
}

func TestBus_FanOut_AggregatesVerdicts(t *testing.T) {
	bus := New(zap.NewNop())
	bus.Register(succeeding("a"))
	bus.Register(succeeding("b"))
	bus.Register(failing("c"))

	resp := bus.Dispatch(context.Background(), Request{ID: "1", Procedure: ProcedureStartChargingStation})

	if resp.Status != StatusFailure {
		t.Errorf("expected a partial failure to fail the aggregate, got '%s'", resp.Status)
	}
	sort.Strings(resp.HashIDsSucceeded)
	if len(resp.HashIDsSucceeded) != 2 || resp.HashIDsSucceeded[0] != "a" || resp.HashIDsSucceeded[1] != "b" {
		t.Errorf("expected succeeded ids [a b], got %v", resp.HashIDsSucceeded)
	}
	if len(resp.HashIDsFailed) != 1 || resp.HashIDsFailed[0] != "c" {
		t.Errorf("expected failed ids [c], got %v", resp.HashIDsFailed)
	}
	if len(resp.ResponsesFailed) != 1 {
		t.Errorf("expected 1 failed response payload, got %d", len(resp.ResponsesFailed))
	}
}

func TestBus_FanOut_AllSucceed(t *testing.T) {
	bus := New(zap.NewNop())
	bus.Register(succeeding("a"))
	bus.Register(succeeding("b"))

	resp := bus.Dispatch(context.Background(), Request{ID: "1", Procedure: ProcedureHeartbeat})
	if resp.Status != StatusSuccess {
		t.Errorf("expected status '%s', got '%s'", StatusSuccess, resp.Status)
	}
	if len(resp.HashIDsSucceeded) != 2 {
		t.Errorf("expected 2 succeeded ids, got %v", resp.HashIDsSucceeded)
	}
}

func TestBus_FanOut_TargetsByHashID(t *testing.T) {
	bus := New(zap.NewNop())
	var handled []string
	for _, id := range []string{"a", "b"} {
		id := id
		bus.Register(&mockStation{hashID: id, handle: func(context.Context, Request) Response {
			handled = append(handled, id)
			return Success()
		}})
	}

	resp := bus.Dispatch(context.Background(), Request{
		ID:        "1",
		Procedure: ProcedureStopChargingStation,
		Payload:   RequestPayload{HashIDs: []string{"a"}},
	})
	if resp.Status != StatusSuccess {
		t.Fatalf("expected status '%s', got '%s'", StatusSuccess, resp.Status)
	}
	if len(handled) != 1 || handled[0] != "a" {
		t.Errorf("expected only station 'a' to be addressed, got %v", handled)
	}
}

func TestBus_FanOut_UnknownHashID(t *testing.T) {
	bus := New(zap.NewNop())
	bus.Register(succeeding("a"))

	resp := bus.Dispatch(context.Background(), Request{
		ID:        "1",
		Procedure: ProcedureOpenConnection,
		Payload:   RequestPayload{HashIDs: []string{"missing"}},
	})
	if resp.Status != StatusFailure {
		t.Errorf("expected a failure when no station matches, got '%s'", resp.Status)
	}
	if len(resp.HashIDsFailed) != 1 || resp.HashIDsFailed[0] != "missing" {
		t.Errorf("expected failed ids [missing], got %v", resp.HashIDsFailed)
	}
	if len(resp.ResponsesFailed) != 1 {
		t.Errorf("expected 1 failed response payload, got %d", len(resp.ResponsesFailed))
	}
}

func TestBus_FanOut_PartiallyUnknownHashID(t *testing.T) {
	bus := New(zap.NewNop())
	bus.Register(succeeding("a"))

	resp := bus.Dispatch(context.Background(), Request{
		ID:        "1",
		Procedure: ProcedureStartTransaction,
		Payload:   RequestPayload{HashIDs: []string{"a", "missing"}},
	})

	if resp.Status != StatusFailure {
		t.Fatalf("expected an unknown hash id to fail the aggregate, got '%s'", resp.Status)
	}
	if len(resp.HashIDsSucceeded) != 1 || resp.HashIDsSucceeded[0] != "a" {
		t.Errorf("expected succeeded ids [a], got %v", resp.HashIDsSucceeded)
	}
	if len(resp.HashIDsFailed) != 1 || resp.HashIDsFailed[0] != "missing" {
		t.Errorf("expected failed ids [missing], got %v", resp.HashIDsFailed)
	}
	if len(resp.ResponsesFailed) != 1 {
		t.Fatalf("expected 1 failed response payload, got %d", len(resp.ResponsesFailed))
	}
	var failed Response
	if err := json.Unmarshal(resp.ResponsesFailed[0], &failed); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if failed.HashID != "missing" {
		t.Errorf("expected the failure payload to carry hashId 'missing', got '%s'", failed.HashID)
	}
}

func TestBus_FanOut_TimeoutEnumeratesSilentStations(t *testing.T) {
	bus := New(zap.NewNop())
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	bus.Register(&mockStation{hashID: "silent", handle: func(context.Context, Request) Response {
		<-release
		return Success()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := bus.Dispatch(ctx, Request{ID: "1", Procedure: ProcedureStopTransaction})
	if resp.Status != StatusFailure {
		t.Fatalf("expected a timed-out fan-out to fail, got '%s'", resp.Status)
	}
	if len(resp.HashIDsFailed) != 1 || resp.HashIDsFailed[0] != "silent" {
		t.Errorf("expected failed ids [silent], got %v", resp.HashIDsFailed)
	}
	if len(resp.ResponsesFailed) != 1 {
		t.Errorf("expected 1 failed response payload, got %d", len(resp.ResponsesFailed))
	}
}

func TestBus_FanOut_ContextCancellation(t *testing.T) {
	bus := New(zap.NewNop())
	bus.Register(&mockStation{hashID: "slow", handle: func(ctx context.Context, _ Request) Response {
		<-ctx.Done()
		return Failure("canceled")
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := bus.Dispatch(ctx, Request{ID: "1", Procedure: ProcedureCloseConnection})
	if resp.Status != StatusFailure {
		t.Errorf("expected a timed-out fan-out to fail, got '%s'", resp.Status)
	}
}

func TestBus_Unregister(t *testing.T) {
	bus := New(zap.NewNop())
	bus.Register(succeeding("a"))
	bus.Unregister("a")

	if len(bus.HashIDs()) != 0 {
		t.Errorf("expected no registered stations, got %v", bus.HashIDs())
	}
	resp := bus.Dispatch(context.Background(), Request{ID: "1", Procedure: ProcedureHeartbeat})
	if resp.Status != StatusFailure {
		t.Errorf("expected a failure with no registered stations, got '%s'", resp.Status)
	}
}
