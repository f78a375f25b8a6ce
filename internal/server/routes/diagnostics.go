package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/agas-ashram/swcache/internal/captions"
	"github.com/agas-ashram/swcache/internal/lifecycle"
	"github.com/agas-ashram/swcache/internal/server"
	"github.com/agas-ashram/swcache/internal/version"
	"github.com/agas-ashram/swcache/internal/worker"
)

// WorkerView 是诊断接口读取 worker 状态所需的最小集合。
type WorkerView interface {
	Version() string
	State() lifecycle.Record
	Handlers() map[string]string
	Buckets(ctx context.Context) ([]worker.BucketInfo, error)
}

// Deps 汇总诊断路由依赖；Captions 为空时 captions 接口返回空文本。
type Deps struct {
	Worker   WorkerView
	Registry *server.OriginRegistry
	Captions *captions.Table
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/buckets 与 /-/captions/:index。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Worker == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		state := deps.Worker.State()
		return c.JSON(statusPayload{
			Version:        version.Full(),
			CurrentBucket:  deps.Worker.Version(),
			State:          string(state.State),
			StateUpdatedAt: state.UpdatedAt.Format(timeLayout),
			LastError:      state.LastError,
			Handlers:       deps.Worker.Handlers(),
			Origins:        encodeOrigins(deps.Registry.List()),
		})
	})

	app.Get("/-/buckets", func(c fiber.Ctx) error {
		buckets, err := deps.Worker.Buckets(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bucket_list_failed"})
		}
		if buckets == nil {
			buckets = []worker.BucketInfo{}
		}
		return c.JSON(fiber.Map{"buckets": buckets})
	})

	app.Get("/-/captions/:index", func(c fiber.Ctx) error {
		index := strings.TrimSpace(c.Params("index"))
		lang := strings.ToLower(strings.TrimSpace(c.Query("lang")))
		if lang == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lang_required"})
		}
		return c.JSON(captionPayload{
			Index: index,
			Lang:  lang,
			Text:  deps.Captions.Text(index, lang),
		})
	})
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type statusPayload struct {
	Version        string            `json:"version"`
	CurrentBucket  string            `json:"current_bucket"`
	State          string            `json:"state"`
	StateUpdatedAt string            `json:"state_updated_at"`
	LastError      string            `json:"last_error,omitempty"`
	Handlers       map[string]string `json:"handlers"`
	Origins        []originPayload   `json:"origins"`
}

type originPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
	Proxied  bool   `json:"proxied"`
}

type captionPayload struct {
	Index string `json:"index"`
	Lang  string `json:"lang"`
	Text  string `json:"text"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.Config.Upstream,
			Port:     route.ListenPort,
			Proxied:  route.ProxyURL != nil,
		})
	}
	return result
}
