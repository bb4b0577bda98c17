package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/resolvr/internal/adapters/http/api"
	service "github.com/okian/resolvr/internal/app"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/pkg/logger"
)

const secret = "test-admin-secret"

type harness struct {
	srv   *httptest.Server
	svc   *service.Service
	token string
}

func newHarness(t *testing.T, opts ...api.ServerOption) *harness {
	ctx := context.Background()
	svc := service.New(service.WithLogger(logger.Nop()), service.WithWorkerCount(1))
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	opts = append([]api.ServerOption{api.WithAdminSecret(secret), api.WithSubmitRate(1000, 1000)}, opts...)
	srv := httptest.NewServer(api.NewServer(svc, opts...).Handler(ctx))
	tok, err := api.IssueAdminToken([]byte(secret), "operator", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return &harness{srv: srv, svc: svc, token: tok}
}

func (h *harness) close() {
	h.srv.Close()
	_ = h.svc.Stop(context.Background())
}

func (h *harness) do(method, path, token string, body any) (*http.Response, map[string]any) {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, h.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestOracleRoutes(t *testing.T) {
	Convey("Given a running API", t, func() {
		h := newHarness(t)
		Reset(h.close)

		Convey("The public key is served as hex", func() {
			resp, body := h.do(http.MethodGet, "/v1/oracle/pubkey", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["public_key"], ShouldHaveLength, 64)
			So(resp.Header.Get(api.RequestIDHeader), ShouldNotBeEmpty)
		})

		Convey("A caller-supplied request id is echoed", func() {
			req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/healthz", http.NoBody)
			req.Header.Set(api.RequestIDHeader, "req-123")
			resp, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.Header.Get(api.RequestIDHeader), ShouldEqual, "req-123")
		})

		Convey("Admin routes refuse missing and forged tokens", func() {
			resp, body := h.do(http.MethodPost, "/v1/events", "", map[string]any{"outcomes": []string{"a"}})
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
			So(body["code"], ShouldEqual, "unauthorized")

			forged, _ := api.IssueAdminToken([]byte("wrong"), "mallory", time.Hour)
			resp, _ = h.do(http.MethodPost, "/v1/events", forged, map[string]any{"outcomes": []string{"a"}})
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

			expired, _ := api.IssueAdminToken([]byte(secret), "operator", -time.Hour)
			resp, _ = h.do(http.MethodPost, "/v1/events", expired, map[string]any{"outcomes": []string{"a"}})
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("When an admin announces an event", func() {
			resp, body := h.do(http.MethodPost, "/v1/events", h.token, map[string]any{
				"outcomes": dlc.BountyOutcomes(),
				"maturity": time.Now().UTC().Format(time.RFC3339),
			})
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)
			id, _ := body["event_id"].(string)
			So(id, ShouldHaveLength, 64)

			Convey("Then anyone can fetch the announcement", func() {
				resp, body := h.do(http.MethodGet, "/v1/events/"+id+"/announcement", "", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["announcement_signature"], ShouldHaveLength, 128)
			})

			Convey("Then the attestation is too early", func() {
				resp, body := h.do(http.MethodGet, "/v1/events/"+id+"/attestation", "", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusTooEarly)
				So(body["code"], ShouldEqual, "not_yet_attested")
			})

			Convey("Then attesting commits once and reports repeats", func() {
				resp, body := h.do(http.MethodPost, "/v1/events/"+id+"/attest", h.token, map[string]any{"outcomes": []string{dlc.OutcomeBountyComplete}})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["status"], ShouldEqual, "committed")

				resp, body = h.do(http.MethodPost, "/v1/events/"+id+"/attest", h.token, map[string]any{"outcomes": []string{dlc.OutcomeBountyInsufficient}})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["status"], ShouldEqual, "already_attested")

				resp, body = h.do(http.MethodGet, "/v1/events/"+id+"/attestation", "", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["outcomes"], ShouldResemble, []any{dlc.OutcomeBountyComplete})
			})

			Convey("Then a wrong outcome count is an invalid state", func() {
				resp, body := h.do(http.MethodPost, "/v1/events/"+id+"/attest", h.token, map[string]any{"outcomes": []string{}})
				So(resp.StatusCode, ShouldEqual, http.StatusConflict)
				So(body["code"], ShouldEqual, "invalid_state")
			})

			Convey("Then an async job is accepted, then reported as duplicate", func() {
				job := map[string]any{"event_id": id, "outcomes": []string{dlc.OutcomeBountyComplete}}
				resp, body := h.do(http.MethodPost, "/v1/attestations", h.token, job)
				So(resp.StatusCode, ShouldEqual, http.StatusAccepted)
				So(body["duplicate"], ShouldEqual, false)

				resp, body = h.do(http.MethodPost, "/v1/attestations", h.token, job)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["duplicate"], ShouldEqual, true)
			})
		})

		Convey("A digit event can be attested by value", func() {
			resp, body := h.do(http.MethodPost, "/v1/events", h.token, map[string]any{
				"descriptor": map[string]any{"digit_decomposition": map[string]any{"base": 10, "nb_digits": 4, "unit": "usd"}},
				"maturity":   time.Now().UTC().Format(time.RFC3339),
			})
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)
			id := body["event_id"].(string)

			resp, body = h.do(http.MethodPost, "/v1/events/"+id+"/attest", h.token, map[string]any{"value": 1234})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			att := body["attestation"].(map[string]any)
			So(att["outcomes"], ShouldResemble, []any{"1", "2", "3", "4"})
		})

		Convey("Malformed requests are bad requests", func() {
			resp, _ := h.do(http.MethodPost, "/v1/events", h.token, map[string]any{"maturity": time.Now()})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			resp, _ = h.do(http.MethodPost, "/v1/events", h.token, map[string]any{"outcomes": []string{"a"}, "bogus": 1})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Unknown events are not found", func() {
			resp, body := h.do(http.MethodGet, "/v1/events/missing/announcement", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(body["code"], ShouldEqual, "not_found")
			resp, _ = h.do(http.MethodPost, "/v1/attestations", h.token, map[string]any{"event_id": "missing", "outcomes": []string{"x"}})
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestAdjudicationRoutes(t *testing.T) {
	Convey("Given a running API", t, func() {
		h := newHarness(t)
		Reset(h.close)

		tmpl := model.BountyTemplate{EventID: "bounty-77", Title: "Fix login", Description: "SSO loop"}
		resp, body := h.do(http.MethodPost, "/v1/adjudications", "", tmpl)
		So(resp.StatusCode, ShouldEqual, http.StatusCreated)
		So(body["state"], ShouldEqual, "in_review")
		So(body["bounty_title"], ShouldEqual, "Fix login")

		Convey("A duplicate submission conflicts", func() {
			resp, body := h.do(http.MethodPost, "/v1/adjudications", "", tmpl)
			So(resp.StatusCode, ShouldEqual, http.StatusConflict)
			So(body["code"], ShouldEqual, "conflict")
		})

		Convey("Anyone can read the status and list", func() {
			resp, body := h.do(http.MethodGet, "/v1/adjudications/bounty-77", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["state"], ShouldEqual, "in_review")

			resp, body = h.do(http.MethodGet, "/v1/adjudications?state=in_review", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["adjudications"], ShouldHaveLength, 1)

			resp, _ = h.do(http.MethodGet, "/v1/adjudications?state=lost", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Approval needs an admin token", func() {
			resp, _ := h.do(http.MethodPost, "/v1/adjudications/bounty-77/approve", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("When approved", func() {
			resp, body := h.do(http.MethodPost, "/v1/adjudications/bounty-77/approve", h.token, nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["state"], ShouldEqual, "approved")

			Convey("Then the event is announced under the request id", func() {
				resp, _ := h.do(http.MethodGet, "/v1/events/bounty-77/announcement", "", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
			})

			Convey("Then a second decision returns the current status with 409", func() {
				resp, body := h.do(http.MethodPost, "/v1/adjudications/bounty-77/deny", h.token, nil)
				So(resp.StatusCode, ShouldEqual, http.StatusConflict)
				So(body["code"], ShouldEqual, "invalid_state")
				st := body["status"].(map[string]any)
				So(st["state"], ShouldEqual, "approved")
			})
		})

		Convey("Decisions on unknown requests are not found", func() {
			resp, _ := h.do(http.MethodPost, "/v1/adjudications/nope/deny", h.token, nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestSubmitRateLimit(t *testing.T) {
	Convey("Given an API allowing one submission burst", t, func() {
		h := newHarness(t, api.WithSubmitRate(0.001, 1))
		Reset(h.close)

		resp, _ := h.do(http.MethodPost, "/v1/adjudications", "", model.BountyTemplate{EventID: "a", Title: "A"})
		So(resp.StatusCode, ShouldEqual, http.StatusCreated)
		resp, body := h.do(http.MethodPost, "/v1/adjudications", "", model.BountyTemplate{EventID: "b", Title: "B"})
		So(resp.StatusCode, ShouldEqual, http.StatusTooManyRequests)
		So(body["code"], ShouldEqual, "rate_limited")
	})
}

func TestOpsRoutes(t *testing.T) {
	Convey("Given a running API", t, func() {
		h := newHarness(t)
		Reset(h.close)

		Convey("Health and stats answer", func() {
			resp, body := h.do(http.MethodGet, "/healthz", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, "ok")

			resp, body = h.do(http.MethodGet, "/stats", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["started"], ShouldEqual, true)
		})

		Convey("Metrics are exposed", func() {
			h.do(http.MethodGet, "/v1/oracle/pubkey", "", nil)
			resp, err := http.Get(h.srv.URL + "/metrics")
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Unknown paths and wrong methods get JSON errors", func() {
			resp, body := h.do(http.MethodGet, "/nowhere", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(body["code"], ShouldEqual, "not_found")
			resp, _ = h.do(http.MethodDelete, "/v1/oracle/pubkey", "", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})

	Convey("Given an API without an admin secret", t, func() {
		ctx := context.Background()
		svc := service.New(service.WithLogger(logger.Nop()))
		So(svc.Start(ctx), ShouldBeNil)
		srv := httptest.NewServer(api.NewServer(svc).Handler(ctx))
		Reset(func() { srv.Close(); _ = svc.Stop(ctx) })

		Convey("Admin routes fail closed even for a well-formed token", func() {
			tok, _ := api.IssueAdminToken([]byte("anything"), "op", time.Hour)
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/events", bytes.NewReader([]byte(`{}`)))
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})
	})
}
