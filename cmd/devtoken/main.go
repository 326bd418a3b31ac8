// Command devtoken prints a bearer token the API accepts, for local runs
// against a server started with the same JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/utils"
)

func main() {
	_ = godotenv.Load()
	user := flag.String("user", "", "subject (user id) of the token")
	role := flag.String("role", "CUSTOMER", "role claim: CUSTOMER or OWNER")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *user == "" {
		logrus.Fatal("JWT_SECRET and -user are required")
	}
	tok, err := utils.NewAccessToken(secret, *user, *role, *ttl)
	if err != nil {
		logrus.WithError(err).Fatal("sign token")
	}
	fmt.Println(tok.Token)
}
