package testutil

import "github.com/npratt/foundry/internal/ticket"

// Ticket returns a backlog ticket with the given id and dependencies.
func Ticket(id string, deps ...string) ticket.Ticket {
	return ticket.Ticket{
		ID:           id,
		Title:        "Ticket " + id,
		Description:  "Build " + id,
		Type:         ticket.TypeComponent,
		Priority:     ticket.PriorityMedium,
		Complexity:   ticket.ComplexityS,
		Status:       ticket.StatusBacklog,
		Dependencies: deps,
	}
}

// Plan returns a plan that verifies with "npm run build".
func Plan() ticket.Plan {
	return ticket.Plan{
		ID:            "plan-1",
		Name:          "Storefront",
		Description:   "A small shop",
		TechStack:     []string{"react", "vite"},
		VerifyCommand: "npm run build",
		DevServerPort: 5173,
	}
}

// ChainTickets returns a linear chain a <- b <- c ... of n tickets.
func ChainTickets(ids ...string) []ticket.Ticket {
	out := make([]ticket.Ticket, len(ids))
	for i, id := range ids {
		if i == 0 {
			out[i] = Ticket(id)
			continue
		}
		out[i] = Ticket(id, ids[i-1])
	}
	return out
}

// SampleBacklogYAML is a backlog file with a plan and three tickets.
const SampleBacklogYAML = `plan:
  id: plan-1
  name: Storefront
  description: A small shop
  tech_stack: [react, vite]
  verify_command: npm run build
  dev_server_port: 5173
sandbox_id: sb-1
model: sonnet
tickets:
  - id: layout
    title: App layout
    type: layout
    priority: high
    complexity: S
  - id: navbar
    title: Navbar
    type: component
    dependencies: [layout]
  - id: cart
    title: Cart
    type: feature
    priority: low
    dependencies: [navbar]
`

// ViteMissingImportLog is a vite dev server log reporting a missing package.
const ViteMissingImportLog = `  VITE v5.0.0  ready in 300 ms

  ➜  Local:   http://localhost:5173/
[vite] Internal server error: Failed to resolve import "lodash" from "src/App.tsx". Does the file exist?
  Plugin: vite:import-analysis
`

// NodeMissingModuleLog is a node stack trace for a missing package.
const NodeMissingModuleLog = `node:internal/modules/cjs/loader:1080
  throw err;
  ^

Error: Cannot find module 'express'
Require stack:
- /app/server.js
`

// NextModuleNotFoundLog is a next.js / webpack missing package error.
const NextModuleNotFoundLog = `./src/components/Chart.tsx:3:0
Module not found: Can't resolve '@nivo/line/dist'
  1 | import React from 'react'
`
