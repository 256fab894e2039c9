package core

import (
	"errors"
	"net/http"

	"github.com/pupteam/pup/internal/httpapi"
)

func (c *Core) startAPI() *http.Server {
	srv := httpapi.NewServer(c.plan.Server.Listen, c.plan.Server.BasePath, c)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("control api failed", "err", err)
		}
	}()
	c.log.Info("control api listening", "addr", c.plan.Server.Listen)
	return srv
}
