package webguard

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Monitor is the observing layer: it classifies the request before the
// handler runs and feeds the response status back into the failure windows
// afterwards. It never rejects; blocking is the firewall's job.
func (g *Guard) Monitor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		sample := sampleFromCtx(c)

		metricInFlight.Inc()
		start := time.Now()

		if c.Path() != cspReportPath {
			g.detector.EvaluateRequest(sample)
		}

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		g.detector.ObserveResponse(sample, status)

		metricInFlight.Dec()
		metricRequestDuration.
			WithLabelValues(sample.Method, statusClass(status)).
			Observe(time.Since(start).Seconds())
		return err
	}
}
