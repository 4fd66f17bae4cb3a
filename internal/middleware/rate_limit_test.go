package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRateLimitSubject(t *testing.T) {
	cases := []struct {
		name   string
		userID interface{}
		want   string
	}{
		{name: "anonymous", userID: nil, want: "ip:0.0.0.0"},
		{name: "zero id", userID: uint(0), want: "ip:0.0.0.0"},
		{name: "user", userID: uint(42), want: "user:42"},
		{name: "string id", userID: "17", want: "user:17"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error {
				if tc.userID != nil {
					c.Locals("user_id", tc.userID)
				}
				return c.SendString(rateLimitSubject(c))
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tc.want, string(body))
		})
	}
}
