package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/assembly-hub/hubcache/internal/metrics"
	"github.com/assembly-hub/hubcache/internal/offline"
)

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供 SRE 查看当前代际、缓存代际列表与客户端绑定关系。
func RegisterStatusRoutes(app *fiber.App, reg *offline.Registration) {
	if app == nil || reg == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		generations, err := reg.Store().List(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "generation_list_failed"})
		}
		return c.JSON(encodeStatus(reg.Active(), generations, reg.Clients()))
	})
}

// RegisterMetricsRoutes 通过 fiber adaptor 暴露 Prometheus 指标。
func RegisterMetricsRoutes(app *fiber.App, recorder *metrics.Recorder) {
	if app == nil || recorder == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
}

type statusPayload struct {
	Controller  *controllerPayload   `json:"controller"`
	Generations []string             `json:"generations"`
	Clients     []offline.ClientInfo `json:"clients"`
}

type controllerPayload struct {
	ID          string    `json:"id"`
	Generation  string    `json:"generation"`
	State       string    `json:"state"`
	Assets      []string  `json:"assets,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

func encodeStatus(active *offline.Controller, generations []string, clients []offline.ClientInfo) statusPayload {
	payload := statusPayload{
		Generations: generations,
		Clients:     clients,
	}
	if payload.Generations == nil {
		payload.Generations = []string{}
	}
	if payload.Clients == nil {
		payload.Clients = []offline.ClientInfo{}
	}
	if active != nil {
		payload.Controller = &controllerPayload{
			ID:          active.ID(),
			Generation:  active.Generation(),
			State:       string(active.State()),
			Assets:      active.Assets(),
			ActivatedAt: active.ActivatedAt(),
		}
	}
	return payload
}
