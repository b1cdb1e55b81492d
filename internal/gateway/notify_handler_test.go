package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/boxgate/internal/channel"
	"github.com/MGallo-Code/boxgate/internal/notify"
)

type pushResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

type pollResult struct {
	Messages []polledMessage `json:"messages"`
	Next     string          `json:"next"`
}

func push(t *testing.T, fx *fixture, access string, body map[string]any) (*httptest.ResponseRecorder, pushResult) {
	t.Helper()
	w := serveAuthed(fx, fx.h.PushNotification, jsonRequest(t, http.MethodPost, "/notifications", body), access)
	var res pushResult
	if w.Code == http.StatusCreated || w.Code == http.StatusOK {
		decodeBody(t, w, &res)
	}
	return w, res
}

func poll(t *testing.T, fx *fixture, access, query string) pollResult {
	t.Helper()
	w := serveAuthed(fx, fx.h.PollNotifications, jsonRequest(t, http.MethodGet, "/notifications?"+query, nil), access)
	if w.Code != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res pollResult
	decodeBody(t, w, &res)
	return res
}

// --- Push / Poll / Acknowledge ---

func TestNotifications(t *testing.T) {
	t.Run("pushed message is polled sealed under the recipient channel", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		w, pushed := push(t, fx, res.resp.AccessToken, map[string]any{
			"client_id":  testClient,
			"user_id":    fx.account.ID.String(),
			"opt_type":   "file_shared",
			"request_id": "req-1",
			"payload":    []byte(`{"file":"a.txt"}`),
		})
		if w.Code != http.StatusCreated || pushed.ID == "" {
			t.Fatalf("push: %d %+v", w.Code, pushed)
		}

		got := poll(t, fx, res.resp.AccessToken, "timeout_ms=0")

		if len(got.Messages) != 1 || got.Next != pushed.ID {
			t.Fatalf("poll: %+v", got)
		}
		m := got.Messages[0]
		if m.ID != pushed.ID || m.OptType != "file_shared" || m.RequestID != "req-1" {
			t.Errorf("message: %+v", m)
		}
		key, err := channel.DeriveKey(res.channel.Secret, res.channel.IV, channel.InfoNotification)
		if err != nil {
			t.Fatal(err)
		}
		pt, err := channel.Open(key, []byte(m.ID), m.Payload)
		if err != nil {
			t.Fatalf("opening payload: %v", err)
		}
		if string(pt) != `{"file":"a.txt"}` {
			t.Errorf("payload: got %q", pt)
		}
	})

	t.Run("unacknowledged messages are polled again", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)
		push(t, fx, res.resp.AccessToken, map[string]any{
			"client_id": testClient, "user_id": fx.account.ID.String(), "opt_type": "ping",
		})

		first := poll(t, fx, res.resp.AccessToken, "")
		second := poll(t, fx, res.resp.AccessToken, "")
		if len(first.Messages) != 1 || len(second.Messages) != 1 || first.Messages[0].ID != second.Messages[0].ID {
			t.Fatalf("first %+v second %+v", first, second)
		}

		after := poll(t, fx, res.resp.AccessToken, "after="+first.Next)
		if len(after.Messages) != 0 || after.Next != first.Next {
			t.Errorf("poll after cursor: %+v", after)
		}
	})

	t.Run("acknowledge is idempotent", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)
		_, pushed := push(t, fx, res.resp.AccessToken, map[string]any{
			"client_id": testClient, "user_id": fx.account.ID.String(), "opt_type": "ping",
		})

		ack := func() int {
			w := serveAuthed(fx, fx.h.AcknowledgeNotifications,
				jsonRequest(t, http.MethodDelete, "/notifications", map[string]any{"ids": []string{pushed.ID}}),
				res.resp.AccessToken)
			if w.Code != http.StatusOK {
				t.Fatalf("ack: expected 200, got %d", w.Code)
			}
			var body struct {
				Acknowledged int `json:"acknowledged"`
			}
			decodeBody(t, w, &body)
			return body.Acknowledged
		}

		if n := ack(); n != 1 {
			t.Errorf("first ack: got %d", n)
		}
		if n := ack(); n != 0 {
			t.Errorf("second ack: got %d", n)
		}
		if got := poll(t, fx, res.resp.AccessToken, ""); len(got.Messages) != 0 {
			t.Errorf("acknowledged message polled again: %+v", got)
		}
	})

	t.Run("malformed ack id returns 400", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		w := serveAuthed(fx, fx.h.AcknowledgeNotifications,
			jsonRequest(t, http.MethodDelete, "/notifications", map[string]any{"ids": []string{"abc"}}),
			res.resp.AccessToken)

		assertError(t, w, http.StatusBadRequest, 4001)
	})

	t.Run("duplicate idempotency key is stored once", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)
		body := map[string]any{
			"client_id": testClient, "user_id": fx.account.ID.String(),
			"opt_type": "ping", "idempotency_key": "evt-1",
		}

		w1, first := push(t, fx, res.resp.AccessToken, body)
		w2, second := push(t, fx, res.resp.AccessToken, body)

		if w1.Code != http.StatusCreated || w2.Code != http.StatusOK {
			t.Fatalf("codes: %d %d", w1.Code, w2.Code)
		}
		if !second.Duplicate || second.ID != first.ID {
			t.Errorf("second push: %+v, first id %q", second, first.ID)
		}
		if got := poll(t, fx, res.resp.AccessToken, ""); len(got.Messages) != 1 {
			t.Errorf("expected one message, got %d", len(got.Messages))
		}
		if !fx.records.Delivered("evt-1") {
			t.Error("delivery record not marked delivered")
		}
	})

	t.Run("push without opt_type returns 400", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		w, _ := push(t, fx, res.resp.AccessToken, map[string]any{
			"client_id": testClient, "user_id": fx.account.ID.String(),
		})

		assertError(t, w, http.StatusBadRequest, 4001)
	})

	t.Run("messages for another recipient are not returned", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)
		push(t, fx, res.resp.AccessToken, map[string]any{
			"client_id": "client-b", "user_id": fx.account.ID.String(), "opt_type": "ping",
		})

		if got := poll(t, fx, res.resp.AccessToken, "timeout_ms=50"); len(got.Messages) != 0 {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("bad count returns 400", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		w := serveAuthed(fx, fx.h.PollNotifications,
			jsonRequest(t, http.MethodGet, "/notifications?count=-1", nil), res.resp.AccessToken)

		assertError(t, w, http.StatusBadRequest, 4001)
	})

	t.Run("malformed after returns 400", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		for _, after := range []string{"not-a-stream-id", "$", "12-", "-3", ">"} {
			w := serveAuthed(fx, fx.h.PollNotifications,
				jsonRequest(t, http.MethodGet, "/notifications?after="+url.QueryEscape(after), nil), res.resp.AccessToken)
			assertError(t, w, http.StatusBadRequest, 4001)
		}
	})

	t.Run("after 0 and a stream id are accepted", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		poll(t, fx, res.resp.AccessToken, "after=0")
		poll(t, fx, res.resp.AccessToken, "after=1700000000000-0")
	})
}

// --- ClientLiveness ---

func TestClientLiveness(t *testing.T) {
	status := func(t *testing.T, fx *fixture, access, clientID string) notify.Status {
		t.Helper()
		r := chi.NewRouter()
		r.With(fx.h.RequireAuth).Get("/clients/{clientID}/liveness", fx.h.ClientLiveness)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, withBearer(jsonRequest(t, http.MethodGet, "/clients/"+clientID+"/liveness", nil), access))
		if w.Code != http.StatusOK {
			t.Fatalf("liveness: expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var st notify.Status
		decodeBody(t, w, &st)
		return st
	}

	t.Run("unknown client is offline", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)

		if st := status(t, fx, res.resp.AccessToken, "client-z"); st.Online || !st.LastSeen.IsZero() {
			t.Errorf("got %+v", st)
		}
	})

	t.Run("completed poll marks client online", func(t *testing.T) {
		fx := newFixture(t)
		res := login(t, fx)
		poll(t, fx, res.resp.AccessToken, "")

		st := status(t, fx, res.resp.AccessToken, testClient)
		if !st.Online || st.ClientID != testClient || !st.LastSeen.Equal(testStart) {
			t.Errorf("got %+v", st)
		}
	})
}
