// Package hook defines the pre-launch policy gate a Connection
// consults before uid/gid enforcement (spec.md §4.G). A spawn is
// accepted if the hook accepts it or SpawnConfig.Verify accepts its
// credential; with no hook installed (nil), SpawnConfig.Verify makes
// the decision alone.
package hook

import "github.com/watchtower/spawnd/internal/spawnproc"

// Hook gates a spawn request before credential enforcement. A hook
// that refuses does not by itself reject the spawn — spec.md §4.G
// requires the config's own Verify to be consulted as a fallback.
type Hook interface {
	Verify(proc *spawnproc.PreparedChildProcess) bool
}

// AllowAll accepts every request. Because an accepting hook is
// sufficient on its own, SpawnConfig.Verify is never consulted while
// AllowAll is installed.
type AllowAll struct{}

func (AllowAll) Verify(*spawnproc.PreparedChildProcess) bool {
	return true
}
