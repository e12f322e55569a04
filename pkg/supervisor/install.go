package supervisor

import (
	"fmt"

	"github.com/wardenhq/warden/pkg/types"
)

// ResolveArgv maps an install spec onto a launch command line. Runner
// kinds defer package resolution to the runner itself; local and
// installed kinds point at files already on disk.
func ResolveArgv(install types.InstallSpec) ([]string, error) {
	ref := install.PackageName
	if install.PackageVersion != "" {
		ref += "@" + install.PackageVersion
	}

	switch install.Kind {
	case types.InstallNpx, types.InstallPnpx, types.InstallYarn, types.InstallBunx:
		if install.PackageName == "" {
			return nil, fmt.Errorf("install kind %s requires a package name", install.Kind)
		}
	}

	switch install.Kind {
	case types.InstallNpx:
		return []string{"npx", "-y", ref}, nil
	case types.InstallPnpx:
		return []string{"pnpx", ref}, nil
	case types.InstallYarn:
		return []string{"yarn", "dlx", ref}, nil
	case types.InstallBunx:
		return []string{"bunx", ref}, nil
	case types.InstallLocal:
		if install.LocalPath == "" {
			return nil, fmt.Errorf("install kind local requires a path")
		}
		return []string{"node", install.LocalPath}, nil
	case types.InstallInstalled:
		if install.EntryPoint == "" {
			return nil, fmt.Errorf("install kind installed requires an entry point")
		}
		return []string{"node", install.EntryPoint}, nil
	default:
		return nil, fmt.Errorf("unknown install kind: %s", install.Kind)
	}
}
