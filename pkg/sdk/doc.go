// Package qflow embeds the qflow two-stage image search engine in a Go
// program: first-pass retrieval from Qdrant or Redis/Valkey, kernel
// re-ranking and a result cache, without running the HTTP server.
//
//	client, _ := qflow.New(ctx,
//	    qflow.WithQdrant("localhost:6334", ""),
//	    qflow.WithCollection("quantum-images"),
//	)
//	defer client.Close()
//
//	resp, _ := client.Search(ctx, features, qflow.SearchOptions{TopK: 10, Category: "satellite"})
//	for _, r := range resp.Results {
//	    fmt.Println(r.ID, r.Score, r.ClassicalScore)
//	}
//
// A custom first-pass store can be plugged in with WithRetriever.
package qflow
