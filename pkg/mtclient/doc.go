// Package mtclient is a client for the model-tiers NATS request-reply API.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := mtclient.New(mtclient.Config{NC: nc})
//
//	// Execute a request on whichever model the selector picks
//	res, _ := client.Execute(ctx, mtclient.Request{
//		Payload:      "transcribe this",
//		Capabilities: []string{"speech-to-text"},
//	})
//	fmt.Println(res.Resource, res.Result)
//
//	// Move a model into the fast tier and wait for the job
//	job, _ := client.Migrate(ctx, "coder", "fast")
//	job, _ = client.WaitJob(ctx, job.ID)
//
// # Subjects
//
// The subject prefix defaults to "mt" and can be configured via
// [Config.SubjectPrefix].
//
//	mt.request                  execute a request
//	mt.select                   run the selector only
//	mt.migrate.{resource}       submit a migration job
//	mt.unload.{resource}        submit an unload job
//	mt.job.{id}                 job snapshot
//	mt.tiers                    tier budgets
//	mt.resources                registered resources
//	mt.events.job.{resource}    job lifecycle events (published)
package mtclient
