package display_test

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/pitchoverlay/internal/display"
	"github.com/MrWong99/pitchoverlay/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func startHub(t *testing.T, opts ...display.HubOption) (*display.Hub, string) {
	t.Helper()
	hub := display.NewHub(append([]display.HubOption{display.WithHubMetrics(testMetrics(t))}, opts...)...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, display.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := display.Decode(typ, data)
	if err != nil {
		t.Fatal(err)
	}
	return typ, m
}

func TestHub_HelloAndPoints(t *testing.T) {
	t.Parallel()
	agg := newAggregator(t, display.DefaultSettings())
	agg.Add(est(0, 200, 1))
	agg.Add(est(1, 200, 1))

	hub, url := startHub(t, display.WithSession("session-1", "crepe-tiny"), display.WithAggregator(agg))
	conn := dial(t, url)

	typ, hello := read(t, conn)
	if typ != websocket.MessageText || hello.Type != display.TypeHello {
		t.Fatalf("first message = %v %+v", typ, hello)
	}
	if hello.SessionID != "session-1" || hello.Model != "crepe-tiny" {
		t.Errorf("hello = %+v", hello)
	}
	if hello.Settings == nil || hello.Settings.StepsPerDisplay != display.DefaultStepsPerDisplay {
		t.Errorf("hello settings = %+v", hello.Settings)
	}
	if len(hello.History) != 1 || *hello.History[0].FrequencyHz != 200 {
		t.Errorf("hello history = %+v", hello.History)
	}
	if hub.Clients() != 1 {
		t.Fatalf("Clients = %d, want 1", hub.Clients())
	}

	hub.Publish(display.Point{Index: 7, Time: 70 * time.Millisecond, FrequencyHz: 220, Confidence: 0.9, LastValidHz: 220, Zone: display.ZoneTarget})
	hub.Publish(display.Point{Index: 9, FrequencyHz: math.NaN(), LastValidHz: 220})

	_, m := read(t, conn)
	if m.Type != display.TypePoint || m.Point == nil {
		t.Fatalf("message = %+v", m)
	}
	if m.Point.Index != 7 || *m.Point.FrequencyHz != 220 || m.Point.TimeSeconds != 0.07 || m.Point.Zone != display.ZoneTarget {
		t.Errorf("point = %+v", m.Point)
	}
	_, m = read(t, conn)
	if m.Point == nil || m.Point.FrequencyHz != nil || m.Point.LastValidHz == nil {
		t.Errorf("NaN point = %+v, want null hz and last valid set", m.Point)
	}

	hub.PublishSettings(display.Settings{StepsPerDisplay: 5})
	_, m = read(t, conn)
	if m.Type != display.TypeSettings || m.Settings.StepsPerDisplay != 5 {
		t.Errorf("settings message = %+v", m)
	}
}

func TestHub_Msgpack(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t)
	conn := dial(t, url+"?encoding=msgpack")

	typ, hello := read(t, conn)
	if typ != websocket.MessageBinary || hello.Type != display.TypeHello {
		t.Fatalf("hello = %v %+v", typ, hello)
	}
	hub.Publish(display.Point{Index: 3, FrequencyHz: 180, LastValidHz: 180, Zone: display.ZoneBelow})
	typ, m := read(t, conn)
	if typ != websocket.MessageBinary || m.Point == nil || *m.Point.FrequencyHz != 180 || m.Point.Zone != display.ZoneBelow {
		t.Fatalf("point = %v %+v", typ, m.Point)
	}
}

func TestHub_DefaultEncodingOption(t *testing.T) {
	t.Parallel()
	_, url := startHub(t, display.WithEncoding(display.EncodingMsgpack))
	typ, _ := read(t, dial(t, url))
	if typ != websocket.MessageBinary {
		t.Fatalf("type = %v, want binary", typ)
	}
}

func TestHub_RejectsUnknownEncoding(t *testing.T) {
	t.Parallel()
	_, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url+"?encoding=xml", nil)
	if err == nil {
		t.Fatal("dial succeeded with unknown encoding")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp = %v, want 400", resp)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t)
	conn := dial(t, url)
	read(t, conn)

	done := make(chan struct{})
	go func() {
		hub.Close()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read after Close = %v, want normal closure", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients = %d after Close", hub.Clients())
	}

	late := dial(t, url)
	if _, _, err := late.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("late client read = %v, want going away", err)
	}
}
