package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jkaberg/mediastation/config"
	"github.com/jkaberg/mediastation/history"
	"github.com/jkaberg/mediastation/search"
	"github.com/jkaberg/mediastation/torrent"
)

// logTail is how much of the log file /api/log returns.
const logTail = 64 * 1024

type Engine interface {
	Add(ctx context.Context, source, targetDir string) (string, error)
	Remove(ctx context.Context, id string, deleteFiles bool) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Get(id string) (torrent.Snapshot, error)
	List() []torrent.Snapshot
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

type History interface {
	List() ([]history.Entry, error)
	Delete(id string) error
}

type Limiter interface {
	Get() (float64, float64)
	Set(dlMbit, ulMbit float64)
}

// status maps domain errors to HTTP status codes.
func status(err error) int {
	switch {
	case errors.Is(err, torrent.ErrUnsupportedSource),
		errors.Is(err, torrent.ErrInvalidTarget),
		errors.Is(err, search.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, torrent.ErrNotFound),
		errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, torrent.ErrInvalidTransition),
		errors.Is(err, search.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, torrent.ErrTransport),
		errors.Is(err, search.ErrNetwork),
		errors.Is(err, search.ErrParse):
		return http.StatusBadGateway
	case errors.Is(err, torrent.ErrEngineUnavailable),
		errors.Is(err, torrent.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, search.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abort(ctx *gin.Context, err error) {
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(status(err), Error{Error: err.Error()})
}

var apiListSessionsHandler = func(e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, e.List())
	}
}

var apiGetSessionHandler = func(e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		s, err := e.Get(ctx.Param("id"))
		if err != nil {
			abort(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, s)
	}
}

var apiAddSessionHandler = func(e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req SessionAdd
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}

		id, err := e.Add(ctx.Request.Context(), req.Source, req.TargetDir)
		if err != nil {
			abort(ctx, err)
			return
		}

		ctx.JSON(http.StatusCreated, SessionAdded{ID: id})
	}
}

var apiRemoveSessionHandler = func(e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		deleteFiles := false
		if v := ctx.Query("delete_files"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				ctx.JSON(http.StatusBadRequest, Error{Error: "invalid delete_files value"})
				return
			}
			deleteFiles = b
		}

		if err := e.Remove(ctx.Request.Context(), ctx.Param("id"), deleteFiles); err != nil {
			abort(ctx, err)
			return
		}

		ctx.Status(http.StatusNoContent)
	}
}

var apiPauseSessionHandler = func(e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := e.Pause(ctx.Request.Context(), ctx.Param("id")); err != nil {
			abort(ctx, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

var apiResumeSessionHandler = func(e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := e.Resume(ctx.Request.Context(), ctx.Param("id")); err != nil {
			abort(ctx, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

var apiSearchHandler = func(s Searcher) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		res, err := s.Search(ctx.Request.Context(), ctx.Query("q"))
		if err != nil {
			abort(ctx, err)
			return
		}
		if res == nil {
			res = []search.Result{}
		}
		ctx.JSON(http.StatusOK, res)
	}
}

var apiListHistoryHandler = func(h History) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		entries, err := h.List()
		if err != nil {
			abort(ctx, err)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		ctx.JSON(http.StatusOK, entries)
	}
}

var apiDeleteHistoryHandler = func(h History) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := h.Delete(ctx.Param("id")); err != nil {
			abort(ctx, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

// apiGetLimitsHandler reads current rate limits (Mbit/s)
var apiGetLimitsHandler = func(l Limiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		dl, ul := l.Get()
		ctx.JSON(http.StatusOK, limitsPayload{DownloadMbit: dl, UploadMbit: ul})
	}
}

// apiSetLimitsHandler applies new rate limits and persists them when a config
// handler is available.
var apiSetLimitsHandler = func(l Limiter, ch *config.Handler) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var body limitsPayload
		if err := ctx.ShouldBindJSON(&body); err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}
		if body.DownloadMbit < 0 || body.UploadMbit < 0 {
			ctx.JSON(http.StatusBadRequest, Error{Error: "limits must not be negative"})
			return
		}

		l.Set(body.DownloadMbit, body.UploadMbit)

		if ch != nil {
			conf, err := ch.Get()
			if err != nil {
				abort(ctx, err)
				return
			}
			conf.Torrent.DownloadLimitMbit = body.DownloadMbit
			conf.Torrent.UploadLimitMbit = body.UploadMbit
			if err := ch.Save(conf); err != nil {
				abort(ctx, err)
				return
			}
		}

		dl, ul := l.Get()
		ctx.JSON(http.StatusOK, limitsPayload{DownloadMbit: dl, UploadMbit: ul})
	}
}

// apiLogHandler returns the tail of the log file.
var apiLogHandler = func(path string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		f, err := os.Open(path)
		if err != nil {
			ctx.JSON(http.StatusNotFound, Error{Error: err.Error()})
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, Error{Error: err.Error()})
			return
		}

		if fi.Size() > logTail {
			if _, err := f.Seek(-logTail, io.SeekEnd); err != nil {
				ctx.JSON(http.StatusInternalServerError, Error{Error: err.Error()})
				return
			}
		}

		ctx.Header("Content-Type", "text/plain; charset=utf-8")
		ctx.Status(http.StatusOK)
		if _, err := io.Copy(ctx.Writer, f); err != nil {
			_ = ctx.Error(err)
		}
	}
}
