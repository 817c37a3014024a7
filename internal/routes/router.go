package routes

import (
	"todo-pipeline/internal/controller"
	"todo-pipeline/internal/middleware"

	"github.com/gin-gonic/gin"
)

// API wires the api service's handlers.
type API struct {
	Todos     *controller.TodoController
	JWTSecret []byte
	Checks    []controller.Check
}

// Router returns the api service's HTTP handler.
func Router(api API) *gin.Engine {
	router := newEngine()

	// Health for load balancers and K8s probes
	router.GET("/health", controller.Health("api"))
	router.GET("/ready", controller.Ready("api", api.Checks...))

	// Public: no auth
	router.GET("/todos", api.Todos.ListTodos)
	router.GET("/todos/:id", api.Todos.GetTodo)
	router.GET("/todos/:id/notifications", api.Todos.GetNotifications)
	router.GET("/operations/:id", api.Todos.GetOperation)

	// Protected: JWT with write scope required
	write := router.Group("")
	write.Use(middleware.Auth(api.JWTSecret, middleware.ScopeTodosWrite))
	{
		write.POST("/todos", api.Todos.CreateTodo)
		write.PUT("/todos/:id", api.Todos.ReplaceTodo)
		write.PATCH("/todos/:id", api.Todos.PatchTodo)
		write.DELETE("/todos/:id", api.Todos.DeleteTodo)
	}

	return router
}

// HealthRouter returns the worker service's probe endpoints.
func HealthRouter(service string, checks ...controller.Check) *gin.Engine {
	router := newEngine()
	router.GET("/health", controller.Health(service))
	router.GET("/ready", controller.Ready(service, checks...))
	return router
}

func newEngine() *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	return router
}
