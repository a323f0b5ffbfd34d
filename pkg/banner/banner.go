package banner

import (
	"fmt"
)

const art = `
 ██████╗ ██╗  ██╗ █████╗ ████████╗██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██╔════╝ ██║  ██║██╔══██╗╚══██╔══╝██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
██║      ███████║███████║   ██║   ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██║      ██╔══██║██╔══██║   ██║   ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
╚██████╗ ██║  ██║██║  ██║   ██║   ██║  ██║███████╗███████╗██║  ██║   ██║
 ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(addr, dbPath, sources, version string) {
	fmt.Print(art)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/threads                - Create a conversation thread")
	fmt.Println("POST /v1/threads/{id}/turns     - Run a turn (NDJSON stream)")
	fmt.Println("GET  /v1/threads/{id}/messages  - Active path (?view=tree, ?leaf=)")
	fmt.Println("POST /v1/messages/{id}/activate - Switch the active variant")
	fmt.Println("PUT  /v1/admin/bindings/{type}  - Bind a handler endpoint")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/threads' -d '{\"handler_type\":\"support\"}'\n", addr)
	fmt.Printf("curl -N -X POST 'http://localhost%s/v1/threads/<id>/turns' -d '{\"content\":\"hello\"}'\n", addr)
	fmt.Println("\n== Production? =================================================")
	fmt.Println("Set a proper storage path (--db)")
	fmt.Println("Configure backend/frontend/admin API keys before exposing this")
}
