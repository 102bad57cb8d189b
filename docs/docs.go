// Package docs holds the OpenAPI document served at /docs.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/machines": {
            "get": {
                "description": "List machines matching the filters. Power parameters are omitted for non-admins.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Machines"
                ],
                "summary": "List machines",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "Status filter",
                        "name": "status",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Zone filter",
                        "name": "zone",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Owner filter",
                        "name": "owner",
                        "in": "query"
                    },
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "Hostname filter",
                        "name": "hostname",
                        "in": "query"
                    },
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "System id filter",
                        "name": "id",
                        "in": "query"
                    },
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "Interface MAC address filter",
                        "name": "mac_address",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Agent name filter; empty selects machines without one",
                        "name": "agent_name",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "Page size",
                        "name": "limit",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "Results to skip",
                        "name": "offset",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Page of machines",
                        "schema": {
                            "$ref": "#/definitions/api.MachinesResponse"
                        }
                    },
                    "400": {
                        "description": "Invalid filter",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "401": {
                        "description": "Unauthorized",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            },
            "post": {
                "description": "Add a machine in NEW.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Machines"
                ],
                "summary": "Enlist a machine",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "description": "Machine to enlist",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.EnlistRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Enlisted machine",
                        "schema": {
                            "$ref": "#/definitions/models.Machine"
                        }
                    },
                    "400": {
                        "description": "Invalid machine",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "409": {
                        "description": "Hostname already in use",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/allocated": {
            "get": {
                "description": "List the machines held by the caller.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Machines"
                ],
                "summary": "List allocated machines",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "Status filter",
                        "name": "status",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Zone filter",
                        "name": "zone",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Owner filter",
                        "name": "owner",
                        "in": "query"
                    },
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "Hostname filter",
                        "name": "hostname",
                        "in": "query"
                    },
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "System id filter",
                        "name": "id",
                        "in": "query"
                    },
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "Interface MAC address filter",
                        "name": "mac_address",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Agent name filter; empty selects machines without one",
                        "name": "agent_name",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "Page size",
                        "name": "limit",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "Results to skip",
                        "name": "offset",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Page of machines",
                        "schema": {
                            "$ref": "#/definitions/api.MachinesResponse"
                        }
                    },
                    "401": {
                        "description": "Unauthorized",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/power-parameters": {
            "get": {
                "description": "Power parameters keyed by system id, for the given ids or every machine (admin only).",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Machines"
                ],
                "summary": "Get power parameters",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "array",
                        "items": {
                            "type": "string"
                        },
                        "collectionFormat": "multi",
                        "description": "System id",
                        "name": "id",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Power parameters",
                        "schema": {
                            "type": "object",
                            "additionalProperties": {
                                "type": "object",
                                "additionalProperties": {
                                    "type": "string"
                                }
                            }
                        }
                    },
                    "401": {
                        "description": "Unauthorized",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "403": {
                        "description": "Forbidden - Admin access required",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/allocate": {
            "post": {
                "description": "Allocate a READY machine matching the constraints. Constraints may be sent as query, form or JSON body.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Allocation"
                ],
                "summary": "Allocate a machine",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Required tags",
                        "name": "tags",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Excluded tags",
                        "name": "not_tags",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Zone",
                        "name": "zone",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Excluded zones",
                        "name": "not_in_zone",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Architecture",
                        "name": "arch",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "Minimum CPU count",
                        "name": "cpu_count",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "Minimum memory in MiB",
                        "name": "mem",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Storage constraints, label:size(tags)",
                        "name": "storage",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Interface constraints, label:key=value",
                        "name": "interfaces",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "Agent name to record",
                        "name": "agent_name",
                        "in": "query"
                    },
                    {
                        "type": "boolean",
                        "description": "Report every candidate",
                        "name": "verbose",
                        "in": "query"
                    },
                    {
                        "type": "boolean",
                        "description": "Do not allocate",
                        "name": "dry_run",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Allocated machine and constraint resolution",
                        "schema": {
                            "$ref": "#/definitions/api.AllocationResponse"
                        }
                    },
                    "400": {
                        "description": "Invalid constraint",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "409": {
                        "description": "No machine matches",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/accept": {
            "post": {
                "description": "Move NEW machines to commissioning (admin only).",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Lifecycle"
                ],
                "summary": "Accept machines",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "description": "Machines to accept",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.MachinesRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Bulk result",
                        "schema": {
                            "$ref": "#/definitions/api.BulkResponse"
                        }
                    },
                    "400": {
                        "description": "Unknown machines",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "409": {
                        "description": "Machines in the wrong state",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/release": {
            "post": {
                "description": "Return machines to the pool.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Lifecycle"
                ],
                "summary": "Release machines",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "description": "Machines to release",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.MachinesRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Bulk result",
                        "schema": {
                            "$ref": "#/definitions/api.BulkResponse"
                        }
                    },
                    "400": {
                        "description": "Unknown machines",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "409": {
                        "description": "Machines in the wrong state",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/set-zone": {
            "post": {
                "description": "Move machines to a zone (admin only).",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Lifecycle"
                ],
                "summary": "Set zone",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "description": "Machines and zone",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.SetZoneRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Bulk result",
                        "schema": {
                            "$ref": "#/definitions/api.BulkResponse"
                        }
                    },
                    "400": {
                        "description": "Unknown machines or zone",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/{id}": {
            "get": {
                "description": "Get one machine by system id.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Machines"
                ],
                "summary": "Get machine",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "System id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Machine",
                        "schema": {
                            "$ref": "#/definitions/models.Machine"
                        }
                    },
                    "404": {
                        "description": "Machine not found",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/{id}/power": {
            "get": {
                "description": "Ask the rack controller for the machine's power state.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Power"
                ],
                "summary": "Query power state",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "System id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Power state",
                        "schema": {
                            "$ref": "#/definitions/api.PowerStateResponse"
                        }
                    },
                    "404": {
                        "description": "Machine not found",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "503": {
                        "description": "Rack controller unavailable",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/{id}/power/on": {
            "post": {
                "description": "Queue a power on command.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Power"
                ],
                "summary": "Power on",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "System id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "202": {
                        "description": "Command queued",
                        "schema": {
                            "$ref": "#/definitions/api.PowerStateResponse"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "404": {
                        "description": "Machine not found",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/{id}/power/off": {
            "post": {
                "description": "Queue a power off command.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Power"
                ],
                "summary": "Power off",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "System id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "202": {
                        "description": "Command queued",
                        "schema": {
                            "$ref": "#/definitions/api.PowerStateResponse"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "404": {
                        "description": "Machine not found",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/machines/{id}/deploy": {
            "post": {
                "description": "Start deploying an allocated machine.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Lifecycle"
                ],
                "summary": "Deploy",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "System id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Machine",
                        "schema": {
                            "$ref": "#/definitions/models.Machine"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    },
                    "409": {
                        "description": "Machine not allocated",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        },
        "/rackcontrollers": {
            "get": {
                "description": "List registered rack controllers.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Rack controllers"
                ],
                "summary": "List rack controllers",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Rack controllers",
                        "schema": {
                            "type": "array",
                            "items": {
                                "$ref": "#/definitions/models.RackController"
                            }
                        }
                    },
                    "401": {
                        "description": "Unauthorized",
                        "schema": {
                            "$ref": "#/definitions/api.APIError"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "api.APIError": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "integer"
                },
                "message": {
                    "type": "string"
                },
                "details": {
                    "type": "string"
                },
                "field": {
                    "type": "string"
                },
                "context": {
                    "type": "object"
                }
            }
        },
        "api.MachinesResponse": {
            "type": "object",
            "properties": {
                "count": {
                    "type": "integer"
                },
                "total": {
                    "type": "integer"
                },
                "machines": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/models.Machine"
                    }
                }
            }
        },
        "api.MachinesRequest": {
            "type": "object",
            "properties": {
                "machines": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                }
            }
        },
        "api.SetZoneRequest": {
            "type": "object",
            "required": [
                "zone"
            ],
            "properties": {
                "machines": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                },
                "zone": {
                    "type": "string"
                }
            }
        },
        "api.BulkResponse": {
            "type": "object",
            "properties": {
                "system_ids": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                },
                "succeeded": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/models.Machine"
                    }
                },
                "unchanged": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                }
            }
        },
        "api.EnlistRequest": {
            "type": "object",
            "required": [
                "hostname"
            ],
            "properties": {
                "hostname": {
                    "type": "string"
                },
                "domain": {
                    "type": "string"
                },
                "architecture": {
                    "type": "string"
                },
                "cpu_count": {
                    "type": "integer"
                },
                "memory": {
                    "type": "integer"
                },
                "zone": {
                    "type": "string"
                },
                "tags": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                },
                "power_type": {
                    "type": "string",
                    "enum": [
                        "manual",
                        "virtual",
                        "webhook"
                    ]
                },
                "power_parameters": {
                    "type": "object",
                    "additionalProperties": {
                        "type": "string"
                    }
                },
                "rack_controller": {
                    "type": "string"
                }
            }
        },
        "api.AllocationResponse": {
            "type": "object",
            "properties": {
                "system_id": {
                    "type": "string"
                },
                "hostname": {
                    "type": "string"
                },
                "status": {
                    "type": "string"
                },
                "owner": {
                    "type": "string"
                },
                "constraint_map": {
                    "type": "object",
                    "additionalProperties": {
                        "type": "string"
                    }
                },
                "constraints_by_type": {
                    "type": "object"
                },
                "verbose_storage": {
                    "type": "object"
                },
                "verbose_interfaces": {
                    "type": "object"
                },
                "dry_run": {
                    "type": "boolean"
                }
            }
        },
        "api.PowerStateResponse": {
            "type": "object",
            "properties": {
                "system_id": {
                    "type": "string"
                },
                "state": {
                    "type": "string",
                    "enum": [
                        "on",
                        "off",
                        "error",
                        "unknown"
                    ]
                },
                "message": {
                    "type": "string"
                }
            }
        },
        "models.Machine": {
            "type": "object",
            "properties": {
                "id": {
                    "type": "integer"
                },
                "system_id": {
                    "type": "string"
                },
                "hostname": {
                    "type": "string"
                },
                "status": {
                    "type": "string"
                },
                "owner": {
                    "type": "string"
                },
                "agent_name": {
                    "type": "string"
                },
                "zone": {
                    "type": "string"
                },
                "architecture": {
                    "type": "string"
                },
                "cpu_count": {
                    "type": "integer"
                },
                "memory": {
                    "type": "integer"
                },
                "tags": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                },
                "power_type": {
                    "type": "string"
                },
                "power_state": {
                    "type": "string"
                },
                "rack_controller": {
                    "type": "string"
                }
            }
        },
        "models.RackController": {
            "type": "object",
            "properties": {
                "id": {
                    "type": "string"
                },
                "url": {
                    "type": "string"
                },
                "connected": {
                    "type": "boolean"
                }
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Type \"Bearer\" followed by a space and the JWT token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Metalpool API",
	Description:      "Bare-metal machine pool: enlistment, allocation, lifecycle and power control.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
