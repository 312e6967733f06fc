package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/models"
	"github.com/brightears/bmasia-crm-sub004/utils"
)

type SequenceController struct {
	Store  engine.Store
	Logger *logrus.Entry
}

func NewSequenceController(store engine.Store, logger *logrus.Entry) *SequenceController {
	return &SequenceController{
		Store:  store,
		Logger: logger,
	}
}

type createSequenceInput struct {
	UserID      uint              `json:"user_id"`
	Name        string            `json:"name" validate:"required,min=1,max=200"`
	Description string            `json:"description"`
	Steps       []createStepInput `json:"steps" validate:"dive"`
}

type createStepInput struct {
	TemplateID uint `json:"template_id" validate:"required"`
	StepNumber int  `json:"step_number" validate:"required,min=1"`
	DelayDays  int  `json:"delay_days" validate:"gte=0"`
}

// CreateSequence creates a sequence definition with its initial steps
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input createSequenceInput
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

	seq := models.Sequence{
		UserID:      input.UserID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.SequenceStatusActive,
	}
	if err := sc.Store.CreateSequence(c.Context(), &seq); err != nil {
		sc.Logger.WithError(err).Error("failed to create sequence")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	for _, stepIn := range input.Steps {
		step := models.SequenceStep{
			SequenceID: seq.ID,
			TemplateID: stepIn.TemplateID,
			StepNumber: stepIn.StepNumber,
			DelayDays:  stepIn.DelayDays,
			IsActive:   true,
		}
		if err := sc.Store.CreateStep(c.Context(), &step); err != nil {
			if errors.Is(err, engine.ErrDuplicateStepNumber) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error": err.Error(),
				})
			}
			sc.Logger.WithError(err).Error("failed to create step")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create step",
			})
		}
	}

	created, err := sc.Store.GetSequence(c.Context(), seq.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sequence",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(created))
}

// GetSequence returns one sequence with its steps
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	seq, err := sc.Store.GetSequence(c.Context(), utils.ParseUint(c.Params("id")))
	if err != nil {
		if errors.Is(err, engine.ErrSequenceNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sequence not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sequence",
		})
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// ListSequences lists sequence definitions
func (sc *SequenceController) ListSequences(c *fiber.Ctx) error {
	seqs, err := sc.Store.ListSequences(c.Context(), uint(c.QueryInt("user_id")))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sequences",
		})
	}
	return c.JSON(utils.SuccessResponse(seqs))
}

// AddStep appends a step to an existing sequence
func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	var input createStepInput
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

	step := models.SequenceStep{
		SequenceID: utils.ParseUint(c.Params("id")),
		TemplateID: input.TemplateID,
		StepNumber: input.StepNumber,
		DelayDays:  input.DelayDays,
		IsActive:   true,
	}
	if err := sc.Store.CreateStep(c.Context(), &step); err != nil {
		switch {
		case errors.Is(err, engine.ErrDuplicateStepNumber):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, engine.ErrSequenceNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sequence not found",
			})
		}
		sc.Logger.WithError(err).Error("failed to add step")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add step",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// SetStepActive toggles a step without deleting it, so history stays intact
func (sc *SequenceController) SetStepActive(c *fiber.Ctx) error {
	var input struct {
		IsActive bool `json:"is_active"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := sc.Store.SetStepActive(c.Context(), utils.ParseUint(c.Params("stepId")), input.IsActive); err != nil {
		if errors.Is(err, engine.ErrSequenceNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Step not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update step",
		})
	}
	return c.JSON(fiber.Map{
		"message": "Step updated",
	})
}

// SetSequenceStatus activates, pauses or archives a sequence. Archiving
// stops new enrollments but leaves existing ones running.
func (sc *SequenceController) SetSequenceStatus(c *fiber.Ctx) error {
	var input struct {
		Status models.SequenceStatus `json:"status" validate:"required,oneof=active paused archived"`
	}
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

	if err := sc.Store.SetSequenceStatus(c.Context(), utils.ParseUint(c.Params("id")), input.Status); err != nil {
		if errors.Is(err, engine.ErrSequenceNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sequence not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update sequence",
		})
	}
	return c.JSON(fiber.Map{
		"message": "Sequence updated",
	})
}

// RecountSequence recomputes the denormalized counters from the
// authoritative tables
func (sc *SequenceController) RecountSequence(c *fiber.Ctx) error {
	seq, err := sc.Store.RecountSequence(c.Context(), utils.ParseUint(c.Params("id")))
	if err != nil {
		if errors.Is(err, engine.ErrSequenceNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sequence not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to recount sequence",
		})
	}
	return c.JSON(utils.SuccessResponse(seq))
}
