package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/api"
	"laundry-sync-backend/internal/command"
	"laundry-sync-backend/internal/db"
	"laundry-sync-backend/internal/engine"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/notification"
	"laundry-sync-backend/internal/realtime"
	"laundry-sync-backend/internal/store"
	"laundry-sync-backend/internal/telemetry"
	"laundry-sync-backend/internal/transport"
	"laundry-sync-backend/internal/worker"
)

type countingMailer struct {
	mu        sync.Mutex
	created   map[string]int
	completed map[string]int
}

func newCountingMailer() *countingMailer {
	return &countingMailer{created: map[string]int{}, completed: map[string]int{}}
}

func (m *countingMailer) SendOrderCreated(_ context.Context, order model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[order.OrderCode]++
	return nil
}

func (m *countingMailer) SendOrderCompleted(_ context.Context, order model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[order.OrderCode]++
	return nil
}

func (m *countingMailer) SendErrorNotification(context.Context, notification.MachineAlert) error {
	return nil
}

func (m *countingMailer) count(kind map[string]int, code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return kind[code]
}

type loopbackLink struct {
	mu   sync.Mutex
	sent []string
}

func (l *loopbackLink) IsConnected() bool { return true }

func (l *loopbackLink) Publish(topic string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, topic+" "+string(payload))
	return nil
}

// TestOrderLifecycle drives one order from creation to pickup through the HTTP
// API and the telemetry pipeline, and checks the persisted state at each step.
func TestOrderLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// --- Test Setup ---
	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()

	// Background goroutines outlive assertions, so they log nowhere.
	logger := zap.NewNop()
	mqttCfg := config.MQTTConfig{TopicPrefix: "laundry"}
	appStore := store.NewGormStore(gormDB)
	mailer := newCountingMailer()
	link := &loopbackLink{}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(4, 16, logger)
	pool.Start(ctx)
	notifier := notification.NewDispatcher(1, 16, appStore, mailer, nil, logger)
	notifier.Start(ctx)
	defer func() {
		cancel()
		pool.Wait()
	}()

	hub := realtime.NewHub(64, logger)
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	eng := engine.New(appStore, notifier, hub, logger)
	messages := make(chan transport.Message, 16)
	router := telemetry.NewRouter(mqttCfg, eng, pool, logger)
	go func() { _ = router.Run(ctx, messages) }()

	operator := command.NewService(appStore, command.NewDispatcher(link, mqttCfg, logger), pool, hub, logger)
	httpRouter := api.NewRouter(api.Deps{
		Store:    appStore,
		Operator: operator,
		Notifier: notifier,
		Link:     link,
		Hub:      hub,
	}, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 1}, logger)

	publish := func(topic, payload string) {
		messages <- transport.Message{Topic: topic, Payload: []byte(payload), ReceivedAt: time.Now().UTC()}
	}
	call := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		httpRouter.ServeHTTP(w, req)
		return w
	}
	getOrder := func(code string) model.Order {
		// Polled from assert.Eventually, so failures surface as a zero order.
		w := call(http.MethodGet, "/api/orders/"+code, "")
		var o model.Order
		if w.Code != http.StatusOK || jsoniter.Unmarshal(w.Body.Bytes(), &o) != nil {
			return model.Order{}
		}
		return o
	}
	getMachine := func(id string) model.Machine {
		m, err := appStore.GetMachine(context.Background(), id)
		if err != nil {
			return model.Machine{}
		}
		return m
	}

	// --- Step 1: machine boots and reports ready ---
	publish("laundry/events", `{"machineId":"MACHINE_01","event":"ONLINE"}`)
	publish("laundry/MACHINE_01/status", `{"machineId":"MACHINE_01","state":"READY","progress":0,"waterLevel":0,"mode":"NORMAL","doorOpen":false,"orderCode":""}`)
	assert.Eventually(t, func() bool {
		return getMachine("MACHINE_01").Status == model.MachineAvailable && getMachine("MACHINE_01").Realtime.State == "READY"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Machine #01", getMachine("MACHINE_01").Name)

	// --- Step 2: customer places an order, operator starts it ---
	w := call(http.MethodPost, "/api/orders", `{"customerEmail":"ana@example.com","customerName":"Ana"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Order
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &created))
	code := created.OrderCode

	assert.Eventually(t, func() bool { return getOrder(code).EmailSent.Created }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mailer.count(mailer.created, code))

	w = call(http.MethodPost, "/api/orders/"+code+"/start", `{"machineId":"MACHINE_01"}`)
	require.Equal(t, http.StatusOK, w.Code)
	link.mu.Lock()
	require.Len(t, link.sent, 1)
	assert.Equal(t, `laundry/MACHINE_01/command {"command":"START","orderCode":"`+code+`"}`, link.sent[0])
	link.mu.Unlock()

	// --- Step 3: the cycle runs ---
	status := func(state string, progress int) string {
		return fmt.Sprintf(`{"machineId":"MACHINE_01","state":%q,"progress":%d,"waterLevel":40,"mode":"NORMAL","doorOpen":false,"orderCode":%q}`, state, progress, code)
	}
	publish("laundry/MACHINE_01/status", status("FILLING", 10))
	publish("laundry/MACHINE_01/status", `{"machineId":`)
	publish("laundry/MACHINE_01/status", status("WASHING", 50))
	assert.Eventually(t, func() bool { return getOrder(code).Progress == 50 }, 2*time.Second, 10*time.Millisecond)

	o := getOrder(code)
	assert.Equal(t, model.OrderWashing, o.Status)
	assert.Equal(t, "WASHING", o.CurrentPhase)
	m := getMachine("MACHINE_01")
	assert.Equal(t, model.MachineRunning, m.Status)
	assert.True(t, m.HasOrder(code))

	// --- Step 4: DONE is delivered twice ---
	done := fmt.Sprintf(`{"machineId":"MACHINE_01","event":"DONE","orderCode":%q}`, strings.ToLower(code))
	publish("laundry/events", done)
	publish("laundry/events", done)
	assert.Eventually(t, func() bool {
		return mailer.count(mailer.completed, code) == 1 && getMachine("MACHINE_01").Status == model.MachineAvailable
	}, 2*time.Second, 10*time.Millisecond)

	// Both events are on the same shard; a trailing status proves the second has run.
	publish("laundry/MACHINE_01/status", `{"machineId":"MACHINE_01","state":"READY","progress":0,"waterLevel":0,"mode":"NORMAL","doorOpen":false}`)
	assert.Eventually(t, func() bool { return getMachine("MACHINE_01").Realtime.State == "READY" }, 2*time.Second, 10*time.Millisecond)

	o = getOrder(code)
	assert.Equal(t, model.OrderDone, o.Status)
	assert.Equal(t, 100, o.Progress)
	assert.NotNil(t, o.CompletedAt)
	assert.True(t, o.EmailSent.Completed)

	m = getMachine("MACHINE_01")
	assert.Nil(t, m.CurrentOrderCode)
	assert.EqualValues(t, 1, m.Stats.TotalCycles)
	assert.EqualValues(t, 1, m.Stats.TodayCycles)
	assert.Equal(t, 1, mailer.count(mailer.completed, code), "completion email is sent once")

	// --- Step 5: a door error becomes one notification ---
	publish("laundry/errors", `{"machineId":"MACHINE_01","errorType":"DOOR_OPEN","errorMessage":"door ajar"}`)
	assert.Eventually(t, func() bool {
		var count int64
		gormDB.Model(&model.Notification{}).Count(&count)
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.MachineAvailable, getMachine("MACHINE_01").Status)

	// --- Step 6: pickup closes the order ---
	w = call(http.MethodPost, "/api/orders/"+code+"/pickup", "")
	require.Equal(t, http.StatusOK, w.Code)
	o = getOrder(code)
	assert.Equal(t, model.OrderPickedUp, o.Status)
	assert.NotNil(t, o.PickedUpAt)

	// The realtime stream saw the completion.
	seen := map[string]bool{}
	for {
		select {
		case ev := <-events:
			seen[ev.Name] = true
			continue
		default:
		}
		break
	}
	assert.True(t, seen[realtime.EventOrderCompleted])
	assert.True(t, seen[realtime.EventMachineOnline])
	assert.True(t, seen[realtime.EventNewNotification])
}
