package lifecycle

import "path/filepath"

// Supported contest frameworks.
const (
	FrameworkNextJS     = "NEXTJS"
	FrameworkReactVite  = "REACT_VITE"
	FrameworkVue        = "VUE"
	FrameworkAngular    = "ANGULAR"
	FrameworkSvelte     = "SVELTE"
	FrameworkStaticHTML = "STATIC_HTML"
)

var frameworkImages = map[string]string{
	FrameworkNextJS:     "registry.local/nextjs-ide:v1.0",
	FrameworkReactVite:  "registry.local/react-vite-ide:v1.0",
	FrameworkVue:        "registry.local/vue-ide:v1.0",
	FrameworkAngular:    "registry.local/angular-ide:v1.0",
	FrameworkSvelte:     "registry.local/svelte-ide:v1.0",
	FrameworkStaticHTML: "registry.local/static-html-ide:v1.0",
}

var frameworkBuildCommands = map[string]string{
	FrameworkNextJS:     "npm run build",
	FrameworkReactVite:  "npm run build",
	FrameworkVue:        "npm run build",
	FrameworkAngular:    "ng build --configuration production",
	FrameworkSvelte:     "npm run build",
	FrameworkStaticHTML: "echo 'No build required'",
}

var frameworkDevCommands = map[string]string{
	FrameworkNextJS:     "npm run dev",
	FrameworkReactVite:  "npm run dev",
	FrameworkVue:        "npm run dev",
	FrameworkAngular:    "ng serve --host 0.0.0.0 --port 3000",
	FrameworkSvelte:     "npm run dev -- --host",
	FrameworkStaticHTML: "npx http-server . -p 3000",
}

var frameworkDevPorts = map[string]int{
	FrameworkNextJS:     3000,
	FrameworkReactVite:  5173,
	FrameworkVue:        5173,
	FrameworkAngular:    4200,
	FrameworkSvelte:     5173,
	FrameworkStaticHTML: 3000,
}

var nodeFrameworks = map[string]bool{
	FrameworkNextJS:    true,
	FrameworkReactVite: true,
	FrameworkVue:       true,
	FrameworkAngular:   true,
	FrameworkSvelte:    true,
}

// ImageFor resolves a framework to its base container image.
func ImageFor(framework string) string {
	if image, ok := frameworkImages[framework]; ok {
		return image
	}
	return frameworkImages[FrameworkNextJS]
}

// BuildCommandFor resolves a framework to its default build command.
func BuildCommandFor(framework string) string {
	if cmd, ok := frameworkBuildCommands[framework]; ok {
		return cmd
	}
	return frameworkBuildCommands[FrameworkNextJS]
}

// DevCommandFor resolves a framework to its dev-server command.
func DevCommandFor(framework string) string {
	if cmd, ok := frameworkDevCommands[framework]; ok {
		return cmd
	}
	return frameworkDevCommands[FrameworkNextJS]
}

// DevPortFor resolves a framework to the port its dev server listens on.
func DevPortFor(framework string) int {
	if port, ok := frameworkDevPorts[framework]; ok {
		return port
	}
	return frameworkDevPorts[FrameworkNextJS]
}

func envFor(framework string) []string {
	env := []string{"TERM=xterm-256color"}
	if nodeFrameworks[framework] {
		env = append(env,
			"NODE_ENV=development",
			"NPM_CONFIG_UPDATE_NOTIFIER=false",
			"NPM_CONFIG_CACHE=/workspace/.npm",
		)
	}
	return env
}

// VolumeName returns the persistent workspace volume name for a team.
func VolumeName(teamID string) string {
	return "team-" + teamID + "-volume"
}

// HostVolumePath returns where a team volume's data lives on the host,
// for the filesystem watcher.
func HostVolumePath(volumeRoot, teamID string) string {
	return filepath.Join(volumeRoot, VolumeName(teamID), "_data")
}
