package homeassistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestTurnOnPostsServiceCallWithToken(t *testing.T) {
	is := is.New(t)

	var gotPath, gotAuth string
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token")
	is.NoErr(client.TurnOn(context.Background(), "switch.heater"))

	is.Equal(gotPath, "/api/services/switch/turn_on")
	is.Equal(gotAuth, "Bearer secret-token")
	is.Equal(gotBody["entity_id"], "switch.heater")
}

func TestTurnOffFailsOnErrorStatus(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "wrong-token")
	err := client.TurnOff(context.Background(), "switch.cooler")
	is.True(err != nil)
}

func TestStateAndNumericState(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states/switch.heater":
			json.NewEncoder(w).Encode(entityState{EntityID: "switch.heater", State: "on"})
		case "/api/states/sensor.garage_temp":
			json.NewEncoder(w).Encode(entityState{EntityID: "sensor.garage_temp", State: "17.3"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "token")

	state, err := client.State(context.Background(), "switch.heater")
	is.NoErr(err)
	is.Equal(state, "on")

	value, err := client.NumericState(context.Background(), "sensor.garage_temp")
	is.NoErr(err)
	is.Equal(value, 17.3)

	_, err = client.NumericState(context.Background(), "sensor.missing")
	is.True(err != nil)
}

func TestAmbientPollerDeliversValues(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entityState{EntityID: "sensor.garage_temp", State: "17.3"})
	}))
	defer server.Close()

	values := make(chan float64, 1)
	poller := NewAmbientPoller(NewClient(server.URL, "token"), "sensor.garage_temp", 10*time.Millisecond, func(v float64, _ time.Time) {
		select {
		case values <- v:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	select {
	case v := <-values:
		is.Equal(v, 17.3)
	case <-time.After(2 * time.Second):
		t.Fatal("no ambient value delivered")
	}
}
