// Command example runs a small hxc server demonstrating routing, route
// groups, path parameters, JSON binding and the built-in middleware set.
package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/flowbound/hxc/pkg/hxc"
)

func main() {
	router := hxc.NewRouter()

	minimal := os.Getenv("EXAMPLE_MINIMAL") == "1"
	if !minimal {
		router.Use(
			hxc.Recovery(),
			hxc.Logger(),
			hxc.RequestID(),
		)
	}

	router.GET("/", homeHandler)
	router.GET("/hello/:name", helloHandler)
	router.POST("/api/data", dataHandler)
	router.GET("/json", jsonHandler)
	router.GET("/user/:userId/post/:postId", paramsHandler)
	router.GET("/user/:id", userParamHandler)

	api := router.Group("/api/v1")
	api.GET("/users", usersHandler)
	api.GET("/users/:id", userHandler)
	api.POST("/users", createUserHandler)

	config := hxc.DefaultConfig()
	addr := os.Getenv("EXAMPLE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	config.Addr = addr

	if minimal {
		config.Logger = log.New(io.Discard, "", 0)
		cpus := runtime.GOMAXPROCS(0)
		switch {
		case cpus <= 2:
			config.NumEventLoop = cpus
		case cpus <= 8:
			config.NumEventLoop = cpus - 1
		default:
			config.NumEventLoop = cpus - 2
		}
	}
	config.Multicore = true
	config.ReusePort = true

	server := hxc.New(config)

	go func() {
		log.Printf("Starting server on %s", config.Addr)
		if err := server.ListenAndServe(router); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := server.Stop(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func homeHandler(ctx *hxc.Context) error {
	return ctx.HTML(200, `
<!DOCTYPE html>
<html>
<head>
    <title>hxc</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        h1 { color: #333; }
        .info { background: #f4f4f4; padding: 15px; border-radius: 5px; margin: 20px 0; }
        code { background: #eee; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>hxc</h1>
    <p>An HTTP/1.1 and HTTP/2 session engine built on gnet</p>
    <div class="info">
        <h2>Try these endpoints:</h2>
        <ul>
            <li><code>GET /hello/:name</code></li>
            <li><code>GET /json</code></li>
            <li><code>POST /api/data</code></li>
            <li><code>GET /api/v1/users</code></li>
        </ul>
    </div>
</body>
</html>
`)
}

func helloHandler(ctx *hxc.Context) error {
	name := ctx.Param("name")
	return ctx.JSON(200, map[string]string{
		"message": "Hello, " + name + "!",
		"method":  ctx.Method(),
		"path":    ctx.Path(),
	})
}

func dataHandler(ctx *hxc.Context) error {
	var data map[string]interface{}
	if err := ctx.BindJSON(&data); err != nil {
		return ctx.JSON(400, map[string]string{"error": "Invalid JSON"})
	}
	return ctx.JSON(200, map[string]interface{}{
		"received": data,
		"status":   "success",
	})
}

func jsonHandler(ctx *hxc.Context) error {
	return ctx.JSON(200, map[string]interface{}{
		"server":  "hxc",
		"version": "0.1.0",
		"status":  "running",
	})
}

func paramsHandler(ctx *hxc.Context) error {
	return ctx.JSON(200, map[string]string{
		"userId": ctx.Param("userId"),
		"postId": ctx.Param("postId"),
	})
}

func userParamHandler(ctx *hxc.Context) error {
	return ctx.JSON(200, map[string]string{"id": ctx.Param("id")})
}

func usersHandler(ctx *hxc.Context) error {
	users := []map[string]interface{}{
		{"id": 1, "name": "Alice", "email": "alice@example.com"},
		{"id": 2, "name": "Bob", "email": "bob@example.com"},
		{"id": 3, "name": "Charlie", "email": "charlie@example.com"},
	}
	return ctx.JSON(200, map[string]interface{}{"users": users, "total": len(users)})
}

func userHandler(ctx *hxc.Context) error {
	id := ctx.Param("id")
	return ctx.JSON(200, map[string]interface{}{
		"id":    id,
		"name":  "User " + id,
		"email": "user" + id + "@example.com",
	})
}

func createUserHandler(ctx *hxc.Context) error {
	var user map[string]interface{}
	if err := ctx.BindJSON(&user); err != nil {
		return ctx.JSON(400, map[string]string{"error": "Invalid JSON"})
	}
	user["id"] = 4
	return ctx.JSON(201, map[string]interface{}{
		"user":    user,
		"message": "User created successfully",
	})
}
