// Command demo-cli walks a running abnet service through a complete
// experiment lifecycle.
//
// It creates an experiment, joins it with an anonymous participant, submits
// a metric value, ends the experiment, requests decryption of the aggregate
// and waits for the verified result.
//
// # Usage
//
//	go run ./cmd/demo-cli --url=http://localhost:8080
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/ledger"
	"github.com/flashbots/abnet/server"
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "abnet service URL")
		metricValue = flag.Uint("metric", 150, "Metric value to submit")
		anonToken   = flag.String("token", "user_123_anonymous", "Anonymous identifier token")
	)
	flag.Parse()

	httpClient := &http.Client{Timeout: 10 * time.Second}

	_, ownerKey, err := crypto.GenerateKeyPair()
	if err != nil {
		fatalf("Key generation error: %v", err)
	}
	participantPub, participantKey, err := crypto.GenerateKeyPair()
	if err != nil {
		fatalf("Key generation error: %v", err)
	}

	// Create the experiment
	var created server.CreateExperimentResponse
	err = postSigned(httpClient, *baseURL+"/api/experiments", ownerKey, &server.CreateExperimentRequest{
		Name:            "Button Color Test",
		Description:     "Testing green vs. blue signup buttons",
		DurationSeconds: 3600,
	}, &created)
	if err != nil {
		fatalf("Create error: %v", err)
	}
	fmt.Printf("Created experiment %d\n", created.ExperimentID)

	// Join anonymously
	anonymousID := ledger.DeriveAnonymousID(*anonToken)
	err = postSigned(httpClient, *baseURL+"/api/experiments/join", participantKey, &server.JoinRequest{
		ExperimentID: created.ExperimentID,
		AnonymousID:  anonymousID.String(),
	}, nil)
	if err != nil {
		fatalf("Join error: %v", err)
	}
	fmt.Printf("Joined as %s (anonymous id %s)\n", participantPub.String(), anonymousID.String())

	// Fetch the participant's encrypted group handle
	var group server.GroupResponse
	err = postSigned(httpClient, *baseURL+"/api/experiments/group", participantKey, &server.GroupRequest{
		ExperimentID: created.ExperimentID,
	}, &group)
	if err != nil {
		fatalf("Group error: %v", err)
	}
	fmt.Printf("Group handle: %s (ciphertext, decryptable only by the participant)\n", group.GroupHandle)

	// Submit the metric
	err = postSigned(httpClient, *baseURL+"/api/experiments/submit", participantKey, &server.SubmitRequest{
		ExperimentID: created.ExperimentID,
		MetricValue:  uint32(*metricValue),
	}, nil)
	if err != nil {
		fatalf("Submit error: %v", err)
	}
	fmt.Printf("Submitted metric value %d\n", *metricValue)

	// End the experiment
	err = postSigned(httpClient, *baseURL+"/api/experiments/end", ownerKey, &server.EndRequest{
		ExperimentID: created.ExperimentID,
	}, nil)
	if err != nil {
		fatalf("End error: %v", err)
	}
	fmt.Println("Experiment ended")

	// Request decryption of the aggregate
	var results server.RequestResultsResponse
	err = postSigned(httpClient, *baseURL+"/api/experiments/results", ownerKey, &server.RequestResultsRequest{
		ExperimentID: created.ExperimentID,
	}, &results)
	if err != nil {
		fatalf("Results error: %v", err)
	}
	fmt.Printf("Decryption requested, ticket %s\n", results.RequestID)

	// The service resolves the ticket asynchronously; poll until the
	// decrypted sum appears.
	infoURL := fmt.Sprintf("%s/api/experiments/%d", *baseURL, created.ExperimentID)
	for attempt := 0; attempt < 50; attempt++ {
		info, err := fetchInfo(httpClient, infoURL)
		if err != nil {
			fatalf("Info error: %v", err)
		}
		if info.DecryptedSum != nil {
			fmt.Printf("Decrypted aggregate: %d (from %d participants)\n", *info.DecryptedSum, info.TotalParticipants)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	fatalf("Timed out waiting for decryption result")
}

func postSigned[T any](client *http.Client, url string, privkey crypto.PrivateKey, obj *T, out any) error {
	signed, err := server.NewSigned(privkey, obj)
	if err != nil {
		return err
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fetchInfo(client *http.Client, url string) (*server.ExperimentInfoResponse, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return server.DecodeMessage[server.ExperimentInfoResponse](resp.Body)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
