package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"golang.org/x/crypto/bcrypt"
)

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// adminAuth checks basic auth credentials against bcrypt hashes keyed by user.
func adminAuth(users map[string]string) fiber.Handler {
	return basicauth.New(basicauth.Config{
		Realm: "HookFox Admin",
		Authorizer: func(user, pass string) bool {
			hash, ok := users[user]
			if !ok {
				return false
			}
			return CheckPasswordHash(pass, hash)
		},
		Unauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}
