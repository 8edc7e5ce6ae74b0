// Package middleware adapts [identity.Gate] decisions to net/http: admit,
// redirect to login, forbidden page, post-login transition, and loading
// placeholder each get a concrete HTTP rendering.
package middleware

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"

	identity "github.com/atelier-sites/identity"
)

type snapshotContextKey struct{}

// SnapshotFromContext returns the identity snapshot attached by [Protect]
// for admitted requests.
func SnapshotFromContext(ctx context.Context) (identity.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotContextKey{}).(identity.Snapshot)
	return snap, ok
}

// Protect wraps next with a gate evaluation per request. Admitted requests
// proceed with the snapshot attached to the context; every other decision
// short-circuits with the matching page.
func Protect(store *identity.Store, requireAdmin bool) func(http.Handler) http.Handler {
	gate := identity.NewGate(store, requireAdmin)
	loginPath := store.Config().Routes.LoginPath
	backPath := store.Config().Routes.DeniedBackPath

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, snap := gate.Evaluate()

			switch decision {
			case identity.DecisionAdmit:
				ctx := context.WithValue(r.Context(), snapshotContextKey{}, snap)
				next.ServeHTTP(w, r.WithContext(ctx))

			case identity.DecisionRedirectToLogin:
				http.Redirect(w, r, loginPath, http.StatusSeeOther)

			case identity.DecisionForbidden:
				writeForbidden(w, snap, backPath)

			case identity.DecisionTransition:
				// One-shot: consumed now, so the refresh lands on the role
				// check.
				gate.CompleteTransition()
				writeTransition(w, r, gate.TransitionDuration())

			default: // DecisionLoading
				writeLoading(w)
			}
		})
	}
}

func writeForbidden(w http.ResponseWriter, snap identity.Snapshot, backPath string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)

	back := backPath
	if back == "" {
		back = "javascript:history.back()"
	}
	role := snap.RoleLabel()
	if role == "" {
		role = "Non défini"
	}
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="fr">
<head><meta charset="utf-8"><title>Accès refusé</title></head>
<body>
<h1>Accès refusé</h1>
<p>Vous n'avez pas les permissions nécessaires pour accéder à cette page.</p>
<p>Rôle actuel: %s</p>
<p><a href="%s">Retour</a></p>
</body>
</html>
`, html.EscapeString(role), back)
}

func writeTransition(w http.ResponseWriter, r *http.Request, d time.Duration) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="fr">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="%d;url=%s">
<title>Connexion réussie</title>
</head>
<body>
<h1>Connexion réussie</h1>
<p>Redirection en cours…</p>
</body>
</html>
`, seconds, html.EscapeString(r.URL.RequestURI()))
}

func writeLoading(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusServiceUnavailable)

	fmt.Fprint(w, `<!DOCTYPE html>
<html lang="fr">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="1">
<title>Chargement</title>
</head>
<body>
<p>Chargement…</p>
</body>
</html>
`)
}
