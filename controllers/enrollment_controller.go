package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/models"
	"github.com/brightears/bmasia-crm-sub004/utils"
)

type EnrollmentController struct {
	Enroller *engine.Enroller
	Store    engine.Store
	Logger   *logrus.Entry
}

func NewEnrollmentController(enroller *engine.Enroller, store engine.Store, logger *logrus.Entry) *EnrollmentController {
	return &EnrollmentController{
		Enroller: enroller,
		Store:    store,
		Logger:   logger,
	}
}

type enrollInput struct {
	SequenceID uint   `json:"sequence_id" validate:"required"`
	ContactID  uint   `json:"contact_id" validate:"required"`
	Status     string `json:"status" validate:"omitempty,oneof=active paused"`
	Notes      string `json:"notes" validate:"max=2000"`
}

// Enroll creates an enrollment and schedules the first step
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	var input enrollInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	enrollment, err := ec.Enroller.Enroll(c.Context(),
		input.SequenceID, input.ContactID,
		models.EnrollmentStatus(input.Status), input.Notes)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrDuplicateEnrollment):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Contact is already enrolled in this sequence",
			})
		case errors.Is(err, engine.ErrSequenceArchived):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Sequence is archived and no longer accepts enrollments",
			})
		case errors.Is(err, engine.ErrSequenceNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sequence not found",
			})
		case errors.Is(err, engine.ErrContactNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Contact not found",
			})
		}
		ec.Logger.WithError(err).Error("failed to enroll contact")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enroll contact",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// Pause suspends an active enrollment
func (ec *EnrollmentController) Pause(c *fiber.Ctx) error {
	enrollment, err := ec.Enroller.Pause(c.Context(), utils.ParseUint(c.Params("id")))
	if err != nil {
		return ec.enrollmentError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// Resume reactivates a paused enrollment. Time spent paused counts
// against step delays; nothing is rescheduled.
func (ec *EnrollmentController) Resume(c *fiber.Ctx) error {
	enrollment, err := ec.Enroller.Resume(c.Context(), utils.ParseUint(c.Params("id")))
	if err != nil {
		return ec.enrollmentError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// Unenroll unsubscribes the contact and cancels open executions.
// Calling it again on an unsubscribed enrollment is a no-op.
func (ec *EnrollmentController) Unenroll(c *fiber.Ctx) error {
	enrollment, err := ec.Enroller.Unenroll(c.Context(), utils.ParseUint(c.Params("id")))
	if err != nil {
		return ec.enrollmentError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// Progress returns the completion percentage against active steps
func (ec *EnrollmentController) Progress(c *fiber.Ctx) error {
	report, err := ec.Enroller.Progress(c.Context(), utils.ParseUint(c.Params("id")))
	if err != nil {
		return ec.enrollmentError(c, err)
	}
	return c.JSON(utils.SuccessResponse(report))
}

// GetEnrollment returns one enrollment with its execution history
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	enrollment, err := ec.Store.GetEnrollment(c.Context(), id)
	if err != nil {
		return ec.enrollmentError(c, err)
	}
	executions, err := ec.Store.ExecutionsForEnrollment(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load executions",
		})
	}
	enrollment.Executions = executions
	return c.JSON(utils.SuccessResponse(enrollment))
}

// ListEnrollments lists enrollments with optional filters and pagination
func (ec *EnrollmentController) ListEnrollments(c *fiber.Ctx) error {
	filter := engine.EnrollmentFilter{
		SequenceID: uint(c.QueryInt("sequence_id")),
		ContactID:  uint(c.QueryInt("contact_id")),
		Page:       c.QueryInt("page", 1),
		Limit:      c.QueryInt("limit", 50),
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []models.EnrollmentStatus{models.EnrollmentStatus(status)}
	}

	enrollments, total, err := ec.Store.ListEnrollments(c.Context(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list enrollments",
		})
	}
	return c.JSON(utils.PaginatedResponse{
		Data:  enrollments,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	})
}

func (ec *EnrollmentController) enrollmentError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrEnrollmentNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	case errors.Is(err, engine.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Enrollment is not in a state that allows this action",
		})
	}
	ec.Logger.WithError(err).Error("enrollment operation failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Enrollment operation failed",
	})
}
