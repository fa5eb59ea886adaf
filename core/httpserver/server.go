// Package httpserver exposes a session over HTTP. Sends stream their progress
// as newline delimited JSON.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/userop-sponsor/core/session"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
	"github.com/AvaProtocol/userop-sponsor/pkg/units"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
	"github.com/AvaProtocol/userop-sponsor/version"
)

const (
	MIMEApplicationNDJSON = "application/x-ndjson"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Pipeline is the part of a session the server drives. *session.Session
// satisfies it.
type Pipeline interface {
	BuildAndSend(ctx context.Context, req session.SendRequest) (<-chan session.Event, error)
	Receipt(ctx context.Context, hash common.Hash) (*bundler.Receipt, error)
	AccountInfo(ctx context.Context) (*session.AccountInfo, error)
	History(limit int) ([]*schema.OperationRecord, error)
}

var _ Pipeline = (*session.Session)(nil)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type HttpErrorResp struct {
	Error string       `json:"error"`
	Kind  erc4337.Kind `json:"kind,omitempty"`
}

type SendBody struct {
	To string `json:"to" validate:"required,eth_addr"`
	// ether, as a decimal string
	Value string `json:"value" validate:"omitempty,numeric"`
	Data  string `json:"data" validate:"omitempty,hexadecimal"`
}

type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	validate *validator.Validate
	logger   sdklogging.Logger
}

// New builds the routes. gatherer may be nil, then /metrics is not served.
func New(p Pipeline, gatherer prometheus.Gatherer, log sdklogging.Logger) *Server {
	s := &Server{
		echo:     echo.New(),
		pipeline: p,
		validate: validator.New(),
		logger:   logger.EnsureLogger(log),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		return c.String(http.StatusOK, "up")
	})
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{"version": version.Get(), "revision": version.GetRevision()},
		})
	})
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/v1")
	v1.POST("/userops", s.sendUserOp)
	v1.GET("/userops/:hash", s.getReceipt)
	v1.GET("/account", s.getAccount)
	v1.GET("/history", s.getHistory)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server listening", "address", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) sendUserOp(c echo.Context) error {
	var body SendBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, &HttpErrorResp{Error: "malformed request body", Kind: erc4337.KindInvalidInput})
	}
	if err := s.validate.Struct(&body); err != nil {
		return c.JSON(http.StatusBadRequest, &HttpErrorResp{Error: err.Error(), Kind: erc4337.KindInvalidInput})
	}

	value, err := units.ParseEther(body.Value)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &HttpErrorResp{Error: err.Error(), Kind: erc4337.KindInvalidInput})
	}
	data := []byte{}
	if body.Data != "" {
		if data, err = hexutil.Decode(body.Data); err != nil {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Error: "data: " + err.Error(), Kind: erc4337.KindInvalidInput})
		}
	}

	events, err := s.pipeline.BuildAndSend(c.Request().Context(), session.SendRequest{
		Target: common.HexToAddress(body.To),
		Value:  value,
		Data:   data,
	})
	if err != nil {
		return s.error(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// client went away, drain so the pipeline can finish
			s.logger.Warn("cannot stream event", "build", ev.BuildID, "error", err)
			continue
		}
		res.Flush()
	}
	return nil
}

func (s *Server) getReceipt(c echo.Context) error {
	raw := c.Param("hash")
	hash, err := hexutil.Decode(raw)
	if err != nil || len(hash) != common.HashLength {
		return c.JSON(http.StatusBadRequest, &HttpErrorResp{Error: "invalid userOpHash " + raw, Kind: erc4337.KindInvalidInput})
	}

	receipt, err := s.pipeline.Receipt(c.Request().Context(), common.BytesToHash(hash))
	if err != nil {
		return s.error(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*bundler.Receipt]{Data: receipt})
}

func (s *Server) getAccount(c echo.Context) error {
	info, err := s.pipeline.AccountInfo(c.Request().Context())
	if err != nil {
		return s.error(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*session.AccountInfo]{Data: info})
}

func (s *Server) getHistory(c echo.Context) error {
	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Error: "limit must be between 1 and " + strconv.Itoa(maxHistoryLimit)})
		}
		limit = n
	}

	records, err := s.pipeline.History(limit)
	if err != nil {
		return s.error(c, err)
	}
	if records == nil {
		records = []*schema.OperationRecord{}
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[[]*schema.OperationRecord]{Data: records})
}

func (s *Server) error(c echo.Context, err error) error {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, session.ErrNotLoggedIn):
		status = http.StatusUnauthorized
	case errors.Is(err, session.ErrNoJournal):
		status = http.StatusNotFound
	case errors.Is(err, erc4337.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	return c.JSON(status, &HttpErrorResp{Error: err.Error(), Kind: erc4337.KindOf(err)})
}
