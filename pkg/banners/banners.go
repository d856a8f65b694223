package banners

import (
	"fmt"

	"github.com/common-fate/jit/internal/build"
)

func WithVersion() string {
	return fmt.Sprintf("jit version: %s (commit %s, built %s)\n", build.Version, build.Commit, build.Date)
}
