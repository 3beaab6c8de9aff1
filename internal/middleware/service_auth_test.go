package middleware

import (
	"net/http/httptest"
	"testing"

	"crm-sheet-sync/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceAuth(t *testing.T) {
	app := fiber.New()
	app.Use(ServiceAuth("s3cret-token", testutil.Logger()))
	app.Get("/x", func(c *fiber.Ctx) error { return c.SendString("ok") })

	cases := map[string]struct {
		header, value string
		want          int
	}{
		"service header": {"X-Service-Token", "s3cret-token", fiber.StatusOK},
		"bearer":         {"Authorization", "Bearer s3cret-token", fiber.StatusOK},
		"wrong token":    {"X-Service-Token", "nope", fiber.StatusUnauthorized},
		"missing":        {"", "", fiber.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/x", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "<empty>", Mask(""))
	assert.Equal(t, "abc", Mask("abc"))
	assert.Equal(t, "abcdef...", Mask("abcdefgh"))
}
