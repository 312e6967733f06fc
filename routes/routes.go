package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "github.com/brightears/bmasia-crm-sub004/controllers"
	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/middleware"
)

func SetupRoutes(app *fiber.App, store engine.Store, enroller *engine.Enroller, log *logrus.Logger) {
	sequenceController := controller.NewSequenceController(store, log.WithField("component", "sequences"))
	enrollmentController := controller.NewEnrollmentController(enroller, store, log.WithField("component", "enrollments"))

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence definition management
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.ListSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Patch("/:id/status", sequenceController.SetSequenceStatus)
	sequences.Post("/:id/recount", sequenceController.RecountSequence)
	sequences.Post("/:id/steps", sequenceController.AddStep)
	sequences.Patch("/:id/steps/:stepId", sequenceController.SetStepActive)

	// Enrollment lifecycle
	enrollments := api.Group("/enrollments")
	enrollments.Post("/", middleware.EnrollRateLimiter(), enrollmentController.Enroll)
	enrollments.Get("/", enrollmentController.ListEnrollments)
	enrollments.Get("/:id", enrollmentController.GetEnrollment)
	enrollments.Get("/:id/progress", enrollmentController.Progress)
	enrollments.Post("/:id/pause", enrollmentController.Pause)
	enrollments.Post("/:id/resume", enrollmentController.Resume)
	enrollments.Post("/:id/unenroll", enrollmentController.Unenroll)

	// Live progress for the UI's progress bars
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/enrollments/:id/progress", websocket.New(enrollmentController.ProgressStream()))

	log.Info("routes initialized")
}
