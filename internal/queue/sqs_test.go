package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

// fakeSQS answers GetQueueUrl calls, echoing the requested queue name back
// in the URL and counting lookups.
func fakeSQS(hits *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		var req struct {
			QueueName string `json:"QueueName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-amz-json-1.0")
		fmt.Fprintf(w, `{"QueueUrl":"https://sqs.test/123/%s"}`, req.QueueName)
	}))
}

func newTestSQSQueue(endpoint string) *sqsQueue {
	client := sqs.New(sqs.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
	return &sqsQueue{
		client:    client,
		cfg:       &config.QueueConfig{Callbacks: "pipeline-callbacks"},
		logger:    observability.NewNopLogger(),
		metrics:   observability.NewNopMetrics(),
		queueURLs: make(map[string]string),
	}
}

func TestSQSQueueURLIsCached(t *testing.T) {
	var hits int64
	srv := fakeSQS(&hits)
	defer srv.Close()
	q := newTestSQSQueue(srv.URL)

	url, err := q.getQueueURL(context.Background(), "pipeline-callbacks")
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.test/123/pipeline-callbacks", url)

	_, err = q.getQueueURL(context.Background(), "pipeline-callbacks")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestSQSQueueURLConcurrentFirstUse(t *testing.T) {
	// The URL cache is shared by the reconciler, the intake consumer and
	// every cohort pool worker; concurrent first use of several queue
	// names must be safe.
	var hits int64
	srv := fakeSQS(&hits)
	defer srv.Close()
	q := newTestSQSQueue(srv.URL)

	names := []string{"pipeline-callbacks", "pipeline-intake", "pipeline-dlq"}
	var wg sync.WaitGroup
	errs := make(chan error, 24)
	for i := 0; i < 24; i++ {
		name := names[i%len(names)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			url, err := q.getQueueURL(context.Background(), name)
			if err == nil && url != "https://sqs.test/123/"+name {
				err = fmt.Errorf("unexpected url %q for %s", url, name)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}
