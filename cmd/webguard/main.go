package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	webguard "github.com/webguard/webguard"
)

// Demo storefront protected by the guard: a product listing, a login
// endpoint that feeds the brute-force window, and an upload endpoint that
// exercises the file allowlist.
func main() {
	configPath := flag.String("config", "webguard.yaml", "path to configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	cfg, err := webguard.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	guard, err := webguard.NewGuard(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer guard.Close()

	watcher, err := webguard.WatchConfig(*configPath, func(next *webguard.Config) {
		guard.Reload(next)
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             16 << 20,
	})
	guard.Attach(app)

	app.Get("/api/products", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"products": []fiber.Map{
				{"id": 1, "name": "Mechanical Keyboard", "price": 12900},
				{"id": 2, "name": "USB-C Dock", "price": 8900},
			},
			"nonce": webguard.CSPNonce(c),
		})
	})

	app.Post("/api/login", func(c *fiber.Ctx) error {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.BodyParser(&creds); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		// Demo credentials only.
		if creds.Username != "demo" || creds.Password != "demo" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/api/upload", func(c *fiber.Ctx) error {
		file, err := c.FormFile("file")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file required"})
		}
		return c.JSON(fiber.Map{"received": file.Filename, "size": file.Size})
	})

	go func() {
		if err := app.Listen(*addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Shutdown()
}
