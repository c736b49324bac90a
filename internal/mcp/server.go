package mcp

import (
	"context"
	"fmt"
	"log"

	"github.com/jamaly87/embedplane/internal/compute"
	"github.com/jamaly87/embedplane/internal/indexer"
	"github.com/jamaly87/embedplane/internal/search"
	"github.com/jamaly87/embedplane/internal/vectordb"
	"github.com/jamaly87/embedplane/pkg/config"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server represents the MCP server
type Server struct {
	config    *config.Config
	mcpServer *server.MCPServer
	indexer   *indexer.Indexer
	searcher  *search.Searcher
	compute   *compute.API
}

// computeEmbedder adapts compute.API.Embed to search.EmbeddingsClient's
// single-text interface, so the query path goes through the same
// resource-aware compute plane as indexing instead of calling Ollama
// directly.
type computeEmbedder struct{ api *compute.API }

func (e computeEmbedder) GenerateEmbedding(text string) ([]float32, error) {
	results, err := e.api.Embed(context.Background(), []compute.Chunk{{ChunkID: "query", Content: text}})
	if err != nil {
		return nil, err
	}
	r := results[0]
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Degraded {
		return nil, fmt.Errorf("mcp: query embedding deferred under resource pressure, try again shortly")
	}
	return r.Embedding, nil
}

// NewServer creates a new MCP server instance
func NewServer(cfg *config.Config) (*Server, error) {
	// Start the embedding compute plane (resource monitor, worker pool,
	// dispatcher, degradation controller) shared by indexing and query.
	computeAPI, err := compute.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding compute plane: %w", err)
	}
	if err := computeAPI.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start embedding compute plane: %w", err)
	}

	// Create vector database client
	vectorDB, err := vectordb.NewClient(&cfg.VectorDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector DB client: %w", err)
	}

	// Initialize vector DB (create collection if needed)
	ctx := context.Background()
	if err := vectorDB.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize vector DB: %w", err)
	}

	// Create indexer
	idx, err := indexer.NewIndexer(cfg, computeAPI)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	// Create searcher
	searcher := search.NewSearcher(&cfg.Search, computeEmbedder{api: computeAPI}, vectorDB)

	s := &Server{
		config:   cfg,
		indexer:  idx,
		searcher: searcher,
		compute:  computeAPI,
	}

	// Create MCP server
	mcpServer := server.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
	)

	// Register tools
	tools := s.getTools()
	for _, tool := range tools {
		mcpServer.AddTool(tool, s.createToolHandler(tool.Name))
	}

	s.mcpServer = mcpServer

	log.Printf("MCP server initialized: %s v%s", cfg.Server.Name, cfg.Server.Version)
	log.Printf("Registered %d tools", len(tools))

	return s, nil
}

// createToolHandler creates a handler function for a given tool name
func (s *Server) createToolHandler(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		log.Printf("Handling tool call: %s", toolName)

		// Extract and type assert arguments from request
		var args map[string]interface{}
		if request.Params.Arguments != nil {
			var ok bool
			args, ok = request.Params.Arguments.(map[string]interface{})
			if !ok {
				return errorResult("invalid arguments format"), nil
			}
		} else {
			args = make(map[string]interface{})
		}

		// Route to appropriate handler based on tool name
		switch toolName {
		case "semantic_search":
			return s.handleSemanticSearch(ctx, args)
		case "index_codebase":
			return s.handleIndexCodebase(ctx, args)
		case "clear_cache":
			return s.handleClearCache(ctx, args)
		case "get_index_status":
			return s.handleGetIndexStatus(ctx, args)
		default:
			return errorResult(fmt.Sprintf("unknown tool: %s", toolName)), nil
		}
	}
}

// Start starts the MCP server with stdio transport
func (s *Server) Start(ctx context.Context) error {
	log.Printf("Starting MCP server on stdio transport...")

	// Start the server with stdio transport
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Close closes the server and cleans up resources
func (s *Server) Close() error {
	log.Printf("Shutting down MCP server...")
	if s.compute != nil {
		s.compute.Drain("server shutdown")
	}
	return nil
}
