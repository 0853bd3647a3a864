// Command devtoken prints a signed access token for local testing against
// the booking API.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/utils"
)

func main() {
	_ = godotenv.Load()

	user := flag.String("user", "", "subject (user id)")
	role := flag.String("role", string(model.RoleLearner), "LEARNER, INSTRUCTOR or ADMIN")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	r := model.Role(strings.ToUpper(*role))
	switch r {
	case model.RoleLearner, model.RoleInstructor, model.RoleAdmin:
	default:
		slog.Error("unknown role", "role", *role)
		os.Exit(2)
	}

	tok, err := utils.NewAccessToken(os.Getenv("JWT_SECRET"), *user, string(r), *ttl)
	if err != nil {
		slog.Error("sign token", "err", err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
}
