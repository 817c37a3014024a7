// Gen-jwt prints a bearer token for the api. Run from project root: go run ./scripts/gen-jwt
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"todo-pipeline/internal/middleware"

	"github.com/joho/godotenv"
)

func main() {
	subject := flag.String("sub", "test-user", "token subject")
	scopes := flag.String("scope", middleware.ScopeTodosWrite, "space-separated scopes to grant")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET not set")
		os.Exit(1)
	}

	signed, err := middleware.NewToken([]byte(secret), *subject, strings.Fields(*scopes), *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Signing failed:", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
