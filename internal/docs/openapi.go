// Package docs builds the OpenAPI 3.0 document for the hub's HTTP
// surface. The router serves it at /openapi.json; cmd/openapi writes
// it to disk or serves a browsable UI.
package docs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"intelligence-hub/internal/config"
)

const documentVersion = "1.0.0"

// rpcMethods mirrors the dispatch table of the /api/rpc handler.
var rpcMethods = []string{
	"get_statistics", "list_archived", "get_item",
	"search_vectors", "list_recommendations", "submit_rating", "execute_task",
}

// Generator assembles the document from the deployment config, so the
// advertised server URL matches the running instance.
type Generator struct {
	cfg     *config.Config
	caser   cases.Caser
	schemas map[string]*openapi3.Schema
}

// NewGenerator creates a generator bound to the given config.
func NewGenerator(cfg *config.Config) *Generator {
	return &Generator{
		cfg:     cfg,
		caser:   cases.Title(language.English),
		schemas: buildSchemas(),
	}
}

// JSON returns the serialized document, ready for /openapi.json.
func (g *Generator) JSON() ([]byte, error) {
	doc, err := g.Generate()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Generate builds the complete document.
func (g *Generator) Generate() (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Intelligence Hub API",
			Version:     documentVersion,
			Description: "Submission, query and monitoring surface of the intelligence integration hub.",
		},
		Servers: openapi3.Servers{
			&openapi3.Server{URL: g.serverURL(), Description: "Configured hub instance"},
		},
		Paths:      openapi3.NewPaths(),
		Components: g.components(),
		Tags:       g.tags(),
	}

	g.addSubmissionPaths(doc)
	g.addRPCPaths(doc)
	g.addMonitoringPaths(doc)
	g.addFeedPaths(doc)

	return doc, nil
}

func (g *Generator) serverURL() string {
	if url := g.cfg.Web.Service.HostURL; url != "" {
		return url
	}
	return fmt.Sprintf("http://%s:%d", g.cfg.Web.Service.Host, g.cfg.Web.Service.Port)
}

// tagName derives a display tag from a path segment, title-cased the
// way generated documentation expects.
func (g *Generator) tagName(segment string) string {
	if strings.EqualFold(segment, "rpc") {
		return "RPC"
	}
	return g.caser.String(segment)
}

func (g *Generator) tags() openapi3.Tags {
	return openapi3.Tags{
		&openapi3.Tag{Name: g.tagName("collector"), Description: "Raw intelligence submission"},
		&openapi3.Tag{Name: g.tagName("processor"), Description: "Externally analyzed submissions"},
		&openapi3.Tag{Name: g.tagName("rpc"), Description: "Query and control envelope"},
		&openapi3.Tag{Name: g.tagName("monitoring"), Description: "Health, statistics and live counters"},
		&openapi3.Tag{Name: g.tagName("feeds"), Description: "Recommendation feeds"},
	}
}

// operationID derives a camel-case id from the method and path, the
// way generated client methods are usually named.
func (g *Generator) operationID(method, path string) string {
	id := strings.ToLower(method)
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		part = strings.ReplaceAll(part, ".", " ")
		id += strings.ReplaceAll(g.caser.String(part), " ", "")
	}
	return id
}

// ref builds a component reference that still carries the schema
// value, keeping the document valid without a resolution pass.
func (g *Generator) ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, g.schemas[name])
}

func (g *Generator) components() *openapi3.Components {
	bearer := func(area string) *openapi3.SecuritySchemeRef {
		return &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "http",
				Scheme:      "bearer",
				Description: "Token from the " + area + " token list. Plain JSON posts may instead carry it in a top-level \"token\" field.",
			},
		}
	}

	schemas := make(openapi3.Schemas, len(g.schemas))
	for name, schema := range g.schemas {
		schemas[name] = schema.NewRef()
	}

	return &openapi3.Components{
		SecuritySchemes: openapi3.SecuritySchemes{
			"collectorToken": bearer("collector"),
			"processorToken": bearer("processor"),
			"rpcToken":       bearer("rpc"),
		},
		Schemas: schemas,
	}
}

func buildSchemas() map[string]*openapi3.Schema {
	submitResult := openapi3.NewObjectSchema().
		WithProperty("ok", openapi3.NewBoolSchema()).
		WithProperty("errors", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()))
	submitResult.Description = "Two-field submission outcome. The endpoint answers 200 even when items fail."

	statistics := openapi3.NewObjectSchema()
	for _, counter := range []string{
		"waiting_process", "unarchived_queue", "post_process",
		"archived", "dropped", "error",
		"conversation_warning", "conversation_error", "conversation_total",
	} {
		statistics = statistics.WithProperty(counter, openapi3.NewIntegerSchema())
	}
	statistics.Description = "Hub counter snapshot."

	errorDetail := openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewStringSchema()).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("trace_id", openapi3.NewStringSchema())
	errorDetail.Properties["details"] = openapi3.NewSchema().NewRef()
	errorEnvelope := openapi3.NewObjectSchema().WithProperty("error", errorDetail)

	item := openapi3.NewObjectSchema().
		WithProperty("UUID", openapi3.NewStringSchema()).
		WithProperty("INFORMANT", openapi3.NewStringSchema()).
		WithProperty("EVENT_TITLE", openapi3.NewStringSchema()).
		WithProperty("EVENT_BRIEF", openapi3.NewStringSchema()).
		WithProperty("EVENT_TEXT", openapi3.NewStringSchema()).
		WithProperty("RATE", openapi3.NewObjectSchema()).
		WithProperty("APPENDIX", openapi3.NewObjectSchema())
	item.Description = "Schemaless intelligence record; analyzed records carry the upper-case event fields."
	withAny := true
	item.AdditionalProperties = openapi3.AdditionalProperties{Has: &withAny}

	searchResult := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("score", openapi3.NewFloat64Schema()).
		WithProperty("chunk_text", openapi3.NewStringSchema())

	return map[string]*openapi3.Schema{
		"SubmitResult":     submitResult,
		"Statistics":       statistics,
		"ErrorEnvelope":    errorEnvelope,
		"IntelligenceItem": item,
		"SearchResult":     searchResult,
	}
}

func (g *Generator) jsonResponse(description, schemaName string) *openapi3.ResponseRef {
	response := openapi3.NewResponse().WithDescription(description)
	if schemaName != "" {
		response = response.WithContent(openapi3.Content{
			"application/json": openapi3.NewMediaType().WithSchemaRef(g.ref(schemaName)),
		})
	}
	return &openapi3.ResponseRef{Value: response}
}

func (g *Generator) errorResponse(description string) *openapi3.ResponseRef {
	return g.jsonResponse(description, "ErrorEnvelope")
}

func secured(scheme string) *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{
		openapi3.SecurityRequirement{scheme: []string{}},
	}
}

func (g *Generator) addSubmissionPaths(doc *openapi3.T) {
	item := openapi3.NewRequestBody().
		WithDescription("One intelligence item or an array of them.").
		WithRequired(true).
		WithContent(openapi3.Content{
			"application/json": openapi3.NewMediaType().WithSchemaRef(g.ref("IntelligenceItem")),
		})

	collect := &openapi3.Operation{
		OperationID: g.operationID("post", "/api/collector/submit"),
		Summary:     "Submit collected raw intelligence",
		Description: "Validates, deduplicates and queues raw items for AI analysis.",
		Tags:        []string{g.tagName("collector")},
		Security:    secured("collectorToken"),
		RequestBody: &openapi3.RequestBodyRef{Value: item},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, g.jsonResponse("Per-item outcome.", "SubmitResult")),
			openapi3.WithStatus(400, g.errorResponse("Malformed body.")),
			openapi3.WithStatus(401, g.errorResponse("Missing or invalid collector token.")),
		),
	}
	doc.Paths.Set("/api/collector/submit", &openapi3.PathItem{Post: collect})

	process := &openapi3.Operation{
		OperationID: g.operationID("post", "/api/processor/submit"),
		Summary:     "Submit externally analyzed intelligence",
		Description: "Queues already-analyzed items straight for archival, skipping the AI stage.",
		Tags:        []string{g.tagName("processor")},
		Security:    secured("processorToken"),
		RequestBody: &openapi3.RequestBodyRef{Value: item},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, g.jsonResponse("Per-item outcome.", "SubmitResult")),
			openapi3.WithStatus(400, g.errorResponse("Malformed body.")),
			openapi3.WithStatus(401, g.errorResponse("Missing or invalid processor token.")),
		),
	}
	doc.Paths.Set("/api/processor/submit", &openapi3.PathItem{Post: process})
}

func (g *Generator) addRPCPaths(doc *openapi3.T) {
	enum := make([]any, len(rpcMethods))
	for i, m := range rpcMethods {
		enum[i] = m
	}
	envelope := openapi3.NewObjectSchema().
		WithProperty("method", openapi3.NewStringSchema().WithEnum(enum...)).
		WithProperty("args", openapi3.NewObjectSchema())
	envelope.Required = []string{"method"}
	envelope.Description = "Named call: " + strings.Join(rpcMethods, ", ") + "."

	result := openapi3.NewObjectSchema().WithProperty("ok", openapi3.NewBoolSchema())
	result.Properties["result"] = openapi3.NewSchema().NewRef()

	rpc := &openapi3.Operation{
		OperationID: g.operationID("post", "/api/rpc"),
		Summary:     "Query and control envelope",
		Description: "Single endpoint multiplexing the read surface: archive queries, record lookup, semantic search, recommendations, manual ratings and task triggers.",
		Tags:        []string{g.tagName("rpc")},
		Security:    secured("rpcToken"),
		RequestBody: &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchema(envelope),
		},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().WithDescription("Method result.").WithJSONSchema(result),
			}),
			openapi3.WithStatus(400, g.errorResponse("Unknown method or malformed arguments.")),
			openapi3.WithStatus(401, g.errorResponse("Missing or invalid rpc token.")),
			openapi3.WithStatus(404, g.errorResponse("Record not found.")),
			openapi3.WithStatus(503, g.errorResponse("Dependency not ready; Retry-After is set.")),
		),
	}
	doc.Paths.Set("/api/rpc", &openapi3.PathItem{Post: rpc})

	stats := &openapi3.Operation{
		OperationID: g.operationID("get", "/api/statistics"),
		Summary:     "Counter snapshot",
		Tags:        []string{g.tagName("rpc")},
		Security:    secured("rpcToken"),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, g.jsonResponse("Current counters.", "Statistics")),
			openapi3.WithStatus(401, g.errorResponse("Missing or invalid rpc token.")),
		),
	}
	doc.Paths.Set("/api/statistics", &openapi3.PathItem{Get: stats})
}

func (g *Generator) addMonitoringPaths(doc *openapi3.T) {
	health := &openapi3.Operation{
		OperationID: g.operationID("get", "/health"),
		Summary:     "Liveness and dependency states",
		Tags:        []string{g.tagName("monitoring")},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().WithDescription("Always 200 while the process lives; the status field degrades instead."),
			}),
		),
	}
	doc.Paths.Set("/health", &openapi3.PathItem{Get: health})

	socket := &openapi3.Operation{
		OperationID: g.operationID("get", "/ws/statistics"),
		Summary:     "Live counter stream",
		Description: "Websocket upgrade; the hub pushes a statistics snapshot every 2 seconds.",
		Tags:        []string{g.tagName("monitoring")},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(101, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().WithDescription("Switching to the websocket protocol."),
			}),
			openapi3.WithStatus(400, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().WithDescription("Not a websocket upgrade request."),
			}),
		),
	}
	doc.Paths.Set("/ws/statistics", &openapi3.PathItem{Get: socket})
}

func (g *Generator) addFeedPaths(doc *openapi3.T) {
	rss := &openapi3.Operation{
		OperationID: g.operationID("get", "/rss"),
		Summary:     "Recommendation feed",
		Description: "RSS 2.0 rendering of the recommendation board; briefs are markdown rendered to HTML.",
		Tags:        []string{g.tagName("feeds")},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().WithDescription("RSS 2.0 document.").WithContent(openapi3.Content{
					"application/rss+xml": openapi3.NewMediaType().WithSchema(openapi3.NewStringSchema()),
				}),
			}),
			openapi3.WithStatus(503, g.errorResponse("Recommendation board disabled.")),
		),
	}
	doc.Paths.Set("/rss", &openapi3.PathItem{Get: rss})
}
