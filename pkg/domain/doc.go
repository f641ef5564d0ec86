// Package domain defines the core types and contracts of the routing gateway's
// pipeline engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Everything else depends on it:
//
//	registry, assembler, manager, modules → domain (CORRECT)
//	domain → registry, assembler, manager (FORBIDDEN)
//
// The main types are:
//
// - ModuleKind and the Module contract every processing unit implements
// - RouteConfig, the declarative per-route input handed over by the router
// - AssembledPipeline, an ordered four-module chain bound to one route target
// - RuntimeStatus and MaintenanceInfo, the manager's per-pipeline bookkeeping
// - the error taxonomy shared by the assembler and manager
package domain
