// Package metalpool manages a pool of physical machines.
//
// # Overview
//
// Metalpool keeps a registry of bare-metal machines, allocates them to users
// according to hardware constraints, moves them through their lifecycle
// (commissioning, allocation, deployment, release, disk erasure) and
// controls their power through rack controller agents.
//
// The platform consists of three main components:
//   - Region: REST API, allocation engine, lifecycle and power services
//   - Rack controller agent: power and disk erasure RPCs for one rack
//   - Registry: badger-backed storage of machines and reference data
//
// # Architecture
//
//	┌─────────────────┐
//	│  CLI / clients  │
//	└────────┬────────┘
//	         │ HTTP
//	┌────────▼────────┐  RPC  ┌─────────────────┐
//	│  Region API     ├──────►│  Rack agent     │──► BMC / webhook
//	│  (Echo REST)    │◄──────┤  (gorilla/mux)  │
//	└────────┬────────┘  reg  └─────────────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  Registry       │       │  NATS events    │
//	│  (badger)       │       │  + alloc lock   │
//	└─────────────────┘       └─────────────────┘
//
// # Usage
//
// Start the region:
//
//	metalpool server --config configs/config.yaml
//
// Run an agent on every rack controller:
//
//	metalpool agent --id rack-01 --region-url http://region:5240
//
// Work with machines:
//
//	metalpool machines list --status ready
//	metalpool machines allocate tags=ssd "storage=root:100(ssd)"
//	metalpool machines release 4y3h7n
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (configs/config.yaml)
//   - Environment variables (MP_ prefix)
//   - .env file
//
// "metalpool config init" writes a commented starting point.
//
// # API Endpoints
//
// Machines:
//   - GET  /api/v1/machines                       - List machines (status, zone, owner filters)
//   - POST /api/v1/machines                       - Enlist a machine
//   - GET  /api/v1/machines/:id                   - Get machine
//   - POST /api/v1/machines/allocate              - Allocate by constraints
//   - POST /api/v1/machines/accept                - Accept new machines
//   - POST /api/v1/machines/release               - Release machines
//   - POST /api/v1/machines/set-zone              - Move machines to a zone
//   - GET  /api/v1/machines/:id/power             - Query power state
//   - POST /api/v1/machines/:id/power/{on,off}    - Power on / off
//   - POST /api/v1/machines/:id/deploy            - Deploy
//
// Reference data:
//   - /api/v1/zones, /api/v1/tags, /api/v1/fabrics, /api/v1/subnets
//
// Rack controllers and settings:
//   - POST /api/v1/rackcontrollers                              - Agent registration
//   - PUT  /api/v1/settings/enable_disk_erasing_on_release      - Toggle disk erasure
//
// WebSocket:
//   - GET /api/v1/ws/events   - Machine events
//
// # Technology Stack
//
//   - Echo v4 (HTTP API), gorilla/mux (agent RPC), gorilla/websocket
//   - Badger v4 (registry)
//   - NATS + JetStream (events, allocation lock)
//   - Prometheus, OpenTelemetry, zap
//   - Cobra / Viper (CLI and configuration)
package metalpool
