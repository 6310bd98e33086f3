// Command openapi works with the hub's generated API document: serve a
// browsable UI, validate the document, or export it for client tooling.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"

	"intelligence-hub/internal/config"
	"intelligence-hub/internal/docs"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: openapi <command>")
		fmt.Println("Commands:")
		fmt.Println("  serve    - Serve the API document with a Swagger UI")
		fmt.Println("  validate - Validate the generated document")
		fmt.Println("  export   - Write openapi.json to disk")
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "serve":
		serveDocumentation(os.Args[2:])
	case "validate":
		validateDocument(os.Args[2:])
	case "export":
		exportDocument(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}
}

func newGenerator(configPath string) *docs.Generator {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return docs.NewGenerator(cfg)
}

func serveDocumentation(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", "", "path to the hub configuration file")
	port := flags.String("port", "8081", "port to serve documentation on")
	_ = flags.Parse(args)

	generator := newGenerator(*configPath)
	router := mux.NewRouter()

	router.HandleFunc("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		raw, err := generator.JSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	})

	router.HandleFunc("/docs", func(w http.ResponseWriter, r *http.Request) {
		html := `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Intelligence Hub API Documentation</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@4/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@4/swagger-ui-standalone-preset.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.json",
                dom_id: '#swagger-ui',
                presets: [
                    SwaggerUIBundle.presets.apis,
                    SwaggerUIStandalonePreset
                ],
                layout: "StandaloneLayout"
            });
        }
    </script>
</body>
</html>
`
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(html))
	})

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
	})

	fmt.Printf("Serving API documentation at http://localhost:%s/docs\n", *port)
	srv := &http.Server{Addr: ":" + *port, Handler: router, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	log.Fatal(srv.ListenAndServe())
}

func validateDocument(args []string) {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := flags.String("config", "", "path to the hub configuration file")
	_ = flags.Parse(args)

	doc, err := newGenerator(*configPath).Generate()
	if err != nil {
		fmt.Printf("Error generating document: %v\n", err)
		os.Exit(1)
	}

	if err := doc.Validate(openapi3.NewLoader().Context); err != nil {
		fmt.Printf("Validation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("OpenAPI document is valid")
	fmt.Printf("\nAPI statistics:\n")
	fmt.Printf("- Paths: %d\n", doc.Paths.Len())
	fmt.Printf("- Schemas: %d\n", len(doc.Components.Schemas))
	fmt.Printf("- Operations: %d\n", countOperations(doc))
}

func exportDocument(args []string) {
	flags := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := flags.String("config", "", "path to the hub configuration file")
	out := flags.String("out", "openapi.json", "output file path")
	_ = flags.Parse(args)

	raw, err := newGenerator(*configPath).JSON()
	if err != nil {
		fmt.Printf("Error generating document: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*out, raw, 0o600); err != nil {
		fmt.Printf("Error writing %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", *out, len(raw))
}

func countOperations(doc *openapi3.T) int {
	count := 0
	for _, pathItem := range doc.Paths.Map() {
		for _, op := range []*openapi3.Operation{
			pathItem.Get, pathItem.Post, pathItem.Put, pathItem.Delete, pathItem.Patch,
		} {
			if op != nil {
				count++
			}
		}
	}
	return count
}
