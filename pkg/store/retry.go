package store

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryOnce runs op, retrying exactly once after a short delay on
// failure (§7's load-failure handling: "one retry then log-and-continue").
func retryOnce(op func() ([]byte, error)) ([]byte, error) {
	var result []byte
	wrapped := func() error {
		v, err := op()
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 1)
	if err := backoff.Retry(wrapped, bo); err != nil {
		return nil, err
	}
	return result, nil
}
