package e2echeck_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/resolvr/internal/adapters/http/api"
	service "github.com/okian/resolvr/internal/app"
	"github.com/okian/resolvr/internal/e2echeck"
	"github.com/okian/resolvr/pkg/logger"
)

func TestRun(t *testing.T) {
	Convey("Given a running oracle", t, func() {
		ctx := context.Background()
		svc := service.New(service.WithLogger(logger.Nop()), service.WithWorkerCount(4))
		So(svc.Start(ctx), ShouldBeNil)
		srv := httptest.NewServer(api.NewServer(svc,
			api.WithAdminSecret("e2e"),
			api.WithSubmitRate(1000, 1000),
		).Handler(ctx))
		Reset(func() {
			srv.Close()
			_ = svc.Stop(ctx)
		})

		token, err := api.IssueAdminToken([]byte("e2e"), "e2e", time.Minute)
		So(err, ShouldBeNil)
		cfg := &e2echeck.Config{
			BaseURL:    srv.URL,
			AdminToken: token,
			Bounties:   12,
			DenyEvery:  4,
			Workers:    4,
			Timeout:    5 * time.Second,
			PollEvery:  10 * time.Millisecond,
			PollFor:    5 * time.Second,
		}

		Convey("Every bounty completes and verifies", func() {
			stats, err := e2echeck.Run(ctx, cfg, nil)
			So(err, ShouldBeNil)
			So(stats.Submitted, ShouldEqual, int64(12))
			So(stats.Denied, ShouldEqual, int64(3))
			So(stats.Approved, ShouldEqual, int64(9))
			So(stats.Verified, ShouldEqual, int64(9))
			So(stats.Duplicates, ShouldEqual, int64(9))
		})

		Convey("A bad token stops the run at the first admin call", func() {
			cfg.AdminToken = "not-a-jwt"
			_, err := e2echeck.Run(ctx, cfg, nil)
			var se *e2echeck.StatusError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.Status, ShouldEqual, 401)
		})
	})
}
