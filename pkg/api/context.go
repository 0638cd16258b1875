package api

import (
	"context"

	"github.com/fleetops/kbmapi/pkg/models"
)

type ctxKey int

const pivTokenCtxKey ctxKey = iota

func withPIVTokenContext(ctx context.Context, tok *models.PIVToken) context.Context {
	return context.WithValue(ctx, pivTokenCtxKey, tok)
}

// pivTokenFromContext returns the PIV token loaded by loadPIVToken, if
// any (nil when the route has no :guid or the token does not exist).
func pivTokenFromContext(ctx context.Context) *models.PIVToken {
	tok, _ := ctx.Value(pivTokenCtxKey).(*models.PIVToken)
	return tok
}
