// Package app composes the session payment service.
//
// The app package sits above the domain services and wires them into a
// running application. Business rules live in internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Pure data: session, settlement job, attestation, pricefeed
//	├── storage/            # Store interfaces plus memory, postgres and redis
//	├── services/           # sessionpay engine, token, attestation, settlement,
//	│                       # inference, pricefeed
//	├── events/             # In-process event feed
//	├── httpapi/            # REST and websocket API, audit log
//	├── system/             # Lifecycle Service interface and Manager
//	└── metrics/            # Prometheus collectors
//
// # Usage
//
//	application, err := app.New(ctx, cfg, app.Stores{}, log)
//	if err != nil {
//	    return err
//	}
//	if err := application.Start(ctx); err != nil {
//	    return err
//	}
//	defer application.Stop(ctx)
//
// Nil stores fall back to the in-memory implementation, which is what tests
// use.
package app
