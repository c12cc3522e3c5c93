package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/db"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/notification"
	"laundry-sync-backend/internal/realtime"
	"laundry-sync-backend/internal/store"
	"laundry-sync-backend/internal/telemetry"
)

type fakeNotifier struct {
	mu        sync.Mutex
	created   []model.Order
	completed []model.Order
	alerts    []notification.MachineAlert
}

func (n *fakeNotifier) NotifyOrderCreated(order model.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, order)
}

func (n *fakeNotifier) NotifyOrderCompleted(order model.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, order)
}

func (n *fakeNotifier) NotifyMachineError(alert notification.MachineAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (b *recordingBroadcaster) Emit(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, realtime.Event{Name: event, Payload: payload})
}

func (b *recordingBroadcaster) named(name string) []realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []realtime.Event
	for _, ev := range b.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine   *Engine
	store    store.Store
	notifier *fakeNotifier
	events   *recordingBroadcaster
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := gormDB.DB()
		_ = sqlDB.Close()
	})

	f := &fixture{
		store:    store.NewGormStore(gormDB),
		notifier: &fakeNotifier{},
		events:   &recordingBroadcaster{},
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.engine = New(f.store, f.notifier, f.events, zaptest.NewLogger(t), opts...)
	return f
}

func (f *fixture) order(t *testing.T, code string) model.Order {
	t.Helper()
	o := model.Order{
		OrderCode:     code,
		CustomerEmail: "customer@example.com",
		Package:       model.PackageStandard,
		Price:         model.DefaultPrice,
		Status:        model.OrderPending,
		CurrentPhase:  "PENDING",
		Mode:          "NORMAL",
		CreatedAt:     f.now,
	}
	require.NoError(t, f.store.DB().Create(&o).Error)
	return o
}

func strPtr(s string) *string { return &s }

func status(machineID, state string, progress int, code *string, at time.Time) telemetry.StatusMessage {
	return telemetry.StatusMessage{
		MachineID:  machineID,
		State:      state,
		Progress:   progress,
		WaterLevel: 30,
		Mode:       "NORMAL",
		OrderCode:  code,
		ReceivedAt: at,
	}
}

func TestHandleStatus_Filling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "FILLING", 10, strPtr("ABC123"), f.now)))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "Machine M1", m.Name)
	assert.Equal(t, model.MachineRunning, m.Status)
	require.NotNil(t, m.CurrentOrderCode)
	assert.Equal(t, "ABC123", *m.CurrentOrderCode)
	assert.Equal(t, "FILLING", m.Realtime.State)
	assert.True(t, f.now.Equal(m.Realtime.LastUpdate))

	o, err := f.store.GetOrder(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.OrderWashing, o.Status)
	assert.Equal(t, 10, o.Progress)
	assert.Equal(t, "FILLING", o.CurrentPhase)
	require.NotNil(t, o.MachineID)
	assert.Equal(t, "M1", *o.MachineID)

	assert.Len(t, f.events.named(realtime.EventMachineUpdate), 1)
	updates := f.events.named(realtime.EventOrderUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, realtime.OrderUpdate{OrderCode: "ABC123", Progress: 10, State: "FILLING", Mode: "NORMAL"}, updates[0].Payload)

	assert.Empty(t, f.notifier.completed, "status ticks never send email")
}

func TestHandleStatus_StatusMapping(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		state    string
		code     *string
		expected model.MachineStatus
	}{
		{"POWER_OFF", nil, model.MachineOffline},
		{"READY", nil, model.MachineAvailable},
		{"ERROR_DOOR", strPtr("ABC123"), model.MachineError},
		{"ERROR_WATER", nil, model.MachineError},
		{"FILLING", strPtr("ABC123"), model.MachineRunning},
		{"WASHING", strPtr("ABC123"), model.MachineRunning},
		{"PAUSED", strPtr("ABC123"), model.MachineRunning},
		{"RINSING", strPtr("ABC123"), model.MachineRunning},
	}

	for _, tc := range testCases {
		t.Run(tc.state, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.engine.HandleStatus(ctx, status("M1", tc.state, 50, tc.code, f.now)))

			m, err := f.store.GetMachine(ctx, "M1")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, m.Status)
			assert.Equal(t, tc.code, m.CurrentOrderCode)
		})
	}
}

func TestHandleStatus_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")

	msg := status("M1", "WASHING", 40, strPtr("ABC123"), f.now)
	require.NoError(t, f.engine.HandleStatus(ctx, msg))
	first, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	firstOrder, err := f.store.GetOrder(ctx, "ABC123")
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleStatus(ctx, msg))
	second, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	secondOrder, err := f.store.GetOrder(ctx, "ABC123")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CurrentOrderCode, second.CurrentOrderCode)
	assert.Equal(t, first.Realtime, second.Realtime)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, firstOrder, secondOrder)
}

func TestHandleStatus_DoneTickDefersToEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 90, strPtr("ABC123"), f.now)))
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "DONE", 100, strPtr("ABC123"), f.now.Add(time.Minute))))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineRunning, m.Status, "only the DONE event releases the machine")

	o, err := f.store.GetOrder(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, o.Status)
	assert.Nil(t, o.CompletedAt)
	assert.EqualValues(t, 0, m.Stats.TotalCycles)
}

func TestHandleStatus_LateTickAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 90, strPtr("ABC123"), f.now)))
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("ABC123"), ReceivedAt: f.now}))
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 95, strPtr("ABC123"), f.now.Add(time.Second))))

	o, err := f.store.GetOrder(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, o.Status)
	assert.Equal(t, 100, o.Progress)

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", *m.CurrentOrderCode, "machine mirrors what the device reports")
}

func TestHandleStatus_DoneTickAfterDoneEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 90, strPtr("ABC123"), f.now)))
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("ABC123"), ReceivedAt: f.now}))
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "DONE", 100, strPtr("ABC123"), f.now.Add(time.Second))))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineAvailable, m.Status)
	assert.Nil(t, m.CurrentOrderCode, "idle machine does not hold a finished order")
	assert.Equal(t, "DONE", m.Realtime.State)

	updates := f.events.named(realtime.EventMachineUpdate)
	require.NotEmpty(t, updates)
	assert.Nil(t, updates[len(updates)-1].Payload.(realtime.MachineUpdate).OrderCode)
}

func TestHandleStatus_MaintenanceSurvivesTelemetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "READY", 0, nil, f.now)))
	_, err := f.store.SetMachineStatus(ctx, "M1", model.MachineMaintenance, false)
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "FILLING", 5, nil, f.now.Add(time.Minute))))
	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineMaintenance, m.Status)
	assert.Equal(t, "FILLING", m.Realtime.State, "observation is still recorded")
}

func TestHandleEvent_Done(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 80, strPtr("ABC123"), f.now)))

	done := telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("ABC123"), Mode: strPtr("QUICK"), ReceivedAt: f.now.Add(time.Minute)}
	require.NoError(t, f.engine.HandleEvent(ctx, done))

	o, err := f.store.GetOrder(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, o.Status)
	assert.Equal(t, 100, o.Progress)
	assert.Equal(t, "DONE", o.CurrentPhase)
	assert.Equal(t, "QUICK", o.Mode)
	require.NotNil(t, o.CompletedAt)
	assert.True(t, o.EmailSent.Completed)

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineAvailable, m.Status)
	assert.Nil(t, m.CurrentOrderCode)
	assert.EqualValues(t, 1, m.Stats.TotalCycles)
	assert.EqualValues(t, 1, m.Stats.TodayCycles)

	require.Len(t, f.notifier.completed, 1)
	assert.Equal(t, "ABC123", f.notifier.completed[0].OrderCode)
	completed := f.events.named(realtime.EventOrderCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, realtime.OrderCompleted{OrderCode: "ABC123", MachineID: "M1"}, completed[0].Payload)
}

func TestHandleEvent_RedeliveredDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 80, strPtr("ABC123"), f.now)))

	done := telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("ABC123"), ReceivedAt: f.now}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.HandleEvent(ctx, done))
	}

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Stats.TotalCycles)
	assert.EqualValues(t, 1, m.Stats.TodayCycles)
	assert.Len(t, f.notifier.completed, 1, "completion email handed over exactly once")
	assert.Len(t, f.events.named(realtime.EventOrderCompleted), 3)
}

func TestHandleEvent_CountsEachOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "AAAAAA")
	f.order(t, "BBBBBB")

	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("AAAAAA"), ReceivedAt: f.now}))
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("BBBBBB"), ReceivedAt: f.now}))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.Stats.TotalCycles)
	assert.EqualValues(t, 2, m.Stats.TodayCycles)
	assert.Len(t, f.notifier.completed, 2)
}

func TestHandleEvent_DoneDoesNotReleaseOtherOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "AAAAAA")
	f.order(t, "BBBBBB")

	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "FILLING", 5, strPtr("BBBBBB"), f.now)))
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("AAAAAA"), ReceivedAt: f.now}))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineRunning, m.Status)
	assert.Equal(t, "BBBBBB", *m.CurrentOrderCode)
}

func TestHandleEvent_DoneForUnknownOrder(t *testing.T) {
	testCases := []struct {
		name        string
		running     bool
		expectTotal int64
	}{
		{name: "Machine running the order counts once", running: true, expectTotal: 1},
		{name: "Idle machine does not count", running: false, expectTotal: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			if tc.running {
				require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 60, strPtr("ZZZZZZ"), f.now)))
			}

			done := telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr("ZZZZZZ"), ReceivedAt: f.now}
			for i := 0; i < 3; i++ {
				require.NoError(t, f.engine.HandleEvent(ctx, done))
			}

			m, err := f.store.GetMachine(ctx, "M1")
			require.NoError(t, err)
			assert.Equal(t, tc.expectTotal, m.Stats.TotalCycles)
			assert.Equal(t, tc.expectTotal, m.Stats.TodayCycles)
			assert.Nil(t, m.CurrentOrderCode)
			assert.Empty(t, f.notifier.completed)
		})
	}
}

func TestHandleEvent_ConcurrentDoneOnNewDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "AAAAAA")
	f.order(t, "BBBBBB")
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "READY", 0, nil, f.now.Add(-24*time.Hour))))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, code := range []string{"AAAAAA", "BBBBBB"} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			errs <- f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, OrderCode: strPtr(code), ReceivedAt: f.now})
		}(code)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.Stats.TotalCycles)
	assert.EqualValues(t, 2, m.Stats.TodayCycles)
	assert.Equal(t, f.now.Format(time.DateOnly), m.Stats.LastResetDate.UTC().Format(time.DateOnly))
}

func TestHandleEvent_Online(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 40, strPtr("ABC123"), f.now)))

	later := f.now.Add(time.Hour)
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventOnline, ReceivedAt: later}))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineAvailable, m.Status)
	assert.Nil(t, m.CurrentOrderCode)
	assert.True(t, later.Equal(m.Realtime.LastUpdate))

	online := f.events.named(realtime.EventMachineOnline)
	require.Len(t, online, 1)
	assert.Equal(t, realtime.MachineOnline{MachineID: "M1"}, online[0].Payload)

	// Unknown machines are provisioned on boot.
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "MACHINE_09", Event: telemetry.EventOnline, ReceivedAt: later}))
	m, err = f.store.GetMachine(ctx, "MACHINE_09")
	require.NoError(t, err)
	assert.Equal(t, "Machine #09", m.Name)
	assert.Equal(t, model.MachineAvailable, m.Status)
}

func TestHandleEvent_UnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: "FIRMWARE_UPDATED", ReceivedAt: f.now}))
	require.NoError(t, f.engine.HandleEvent(ctx, telemetry.LifecycleEvent{MachineID: "M1", Event: telemetry.EventDone, ReceivedAt: f.now}))

	_, err := f.store.GetMachine(ctx, "M1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.events.events)
}

func TestHandleError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "ABC123")
	require.NoError(t, f.engine.HandleStatus(ctx, status("M1", "WASHING", 40, strPtr("ABC123"), f.now)))

	report := telemetry.ErrorReport{MachineID: "M1", ErrorType: "DOOR_OPEN", ErrorMessage: "door ajar", ReceivedAt: f.now}
	require.NoError(t, f.engine.HandleError(ctx, report))

	var notifications []model.Notification
	require.NoError(t, f.store.DB().Find(&notifications).Error)
	require.Len(t, notifications, 1)
	n := notifications[0]
	assert.Equal(t, model.NotificationError, n.Type)
	assert.Equal(t, "Error on M1", n.Title)
	assert.Equal(t, "door ajar", n.Message)
	assert.Equal(t, "DOOR_OPEN", n.Data.ErrorType)
	assert.False(t, n.Read)

	broadcast := f.events.named(realtime.EventNewNotification)
	require.Len(t, broadcast, 1)
	assert.Equal(t, n.ID, broadcast[0].Payload.(model.Notification).ID)
	assert.Len(t, f.events.named(realtime.EventMachineError), 1)

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineRunning, m.Status, "errors alone do not change machine status")
	assert.Empty(t, f.notifier.alerts, "admin email is opt-in")

	// Repeated reports are not deduplicated.
	require.NoError(t, f.engine.HandleError(ctx, report))
	var count int64
	require.NoError(t, f.store.DB().Model(&model.Notification{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestHandleError_AdminEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithAdminErrorEmail(true))

	require.NoError(t, f.engine.HandleError(ctx, telemetry.ErrorReport{MachineID: "M1", ErrorType: "WATER_LEAK", ReceivedAt: f.now}))

	var n model.Notification
	require.NoError(t, f.store.DB().First(&n).Error)
	assert.Equal(t, "M1 reported WATER_LEAK", n.Message)
	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, "WATER_LEAK", f.notifier.alerts[0].ErrorType)
}
