// Package web exposes the relay management API. Authentication is handled
// upstream; the handlers trust the X-User-ID header to carry the caller's
// identity.
package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/nostrhive/nostrhive/lib/config"
	"github.com/nostrhive/nostrhive/lib/logging"
	"github.com/nostrhive/nostrhive/lib/relays"
	"github.com/nostrhive/nostrhive/lib/stores"
	"github.com/nostrhive/nostrhive/lib/types"
)

const userIDHeader = "X-User-ID"

// RegisterRoutes mounts the relay CRUD endpoints under /api/v1.
func RegisterRoutes(app *fiber.App, registry *relays.Registry) {
	api := app.Group("/api/v1")

	api.Post("/relays", func(c *fiber.Ctx) error {
		return createRelay(c, registry)
	})
	api.Get("/relays", func(c *fiber.Ctx) error {
		return listRelays(c, registry)
	})
	api.Get("/relays/:relayID", func(c *fiber.Ctx) error {
		return getRelay(c, registry)
	})
	api.Put("/relays/:relayID", func(c *fiber.Ctx) error {
		return updateRelay(c, registry)
	})
	api.Delete("/relays/:relayID", func(c *fiber.Ctx) error {
		return deleteRelay(c, registry)
	})
}

func requireUserID(c *fiber.Ctx) (string, error) {
	userID := c.Get(userIDHeader)
	if userID == "" {
		return "", c.Status(fiber.StatusUnauthorized).SendString("Missing " + userIDHeader + " header")
	}
	return userID, nil
}

func createRelay(c *fiber.Ctx, registry *relays.Registry) error {
	userID, err := requireUserID(c)
	if err != nil || userID == "" {
		return err
	}

	var relay types.Relay
	if err := c.BodyParser(&relay); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid relay payload")
	}

	applySpecDefaults(&relay.Spec)

	created, err := registry.Create(userID, &relay)
	if err != nil {
		logging.Errorf("Failed to create relay for user %s: %v", userID, err)
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func listRelays(c *fiber.Ctx, registry *relays.Registry) error {
	userID, err := requireUserID(c)
	if err != nil || userID == "" {
		return err
	}

	list, err := registry.List(userID)
	if err != nil {
		logging.Errorf("Failed to list relays for user %s: %v", userID, err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.JSON(list)
}

func getRelay(c *fiber.Ctx, registry *relays.Registry) error {
	userID, err := requireUserID(c)
	if err != nil || userID == "" {
		return err
	}

	relay, err := registry.Get(userID, c.Params("relayID"))
	if err != nil {
		if errors.Is(err, stores.ErrRelayNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		logging.Errorf("Failed to fetch relay %s: %v", c.Params("relayID"), err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.JSON(relay)
}

func updateRelay(c *fiber.Ctx, registry *relays.Registry) error {
	userID, err := requireUserID(c)
	if err != nil || userID == "" {
		return err
	}

	var relay types.Relay
	if err := c.BodyParser(&relay); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid relay payload")
	}
	relay.ID = c.Params("relayID")

	if err := registry.Update(userID, &relay); err != nil {
		if errors.Is(err, stores.ErrRelayNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		logging.Errorf("Failed to update relay %s: %v", relay.ID, err)
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	}

	updated, err := registry.Get(userID, relay.ID)
	if err != nil {
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.JSON(updated)
}

// deleteRelay removes the relay and purges every event and tag row it
// owned.
func deleteRelay(c *fiber.Ctx, registry *relays.Registry) error {
	userID, err := requireUserID(c)
	if err != nil || userID == "" {
		return err
	}

	if err := registry.Delete(userID, c.Params("relayID")); err != nil {
		if errors.Is(err, stores.ErrRelayNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		logging.Errorf("Failed to delete relay %s: %v", c.Params("relayID"), err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// applySpecDefaults seeds the configured quota defaults into a new relay
// spec that does not set its own.
func applySpecDefaults(spec *types.RelaySpec) {
	cfg := config.GetConfig()
	if cfg == nil {
		return
	}
	if spec.PubkeyQuotaBytes == 0 {
		spec.PubkeyQuotaBytes = cfg.Relay.DefaultQuotaBytes
		spec.PruneEnabled = cfg.Relay.DefaultPruneEnabled
	}
}
