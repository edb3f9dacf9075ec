package cache

import "fmt"

func SubmitRateKey(userID string) string {
	return fmt.Sprintf("gas:ratelimit:submit:%s", userID)
}

// ResultURLKey holds the presigned download URL of a completed job's result.
func ResultURLKey(jobID string) string {
	return fmt.Sprintf("gas:result_url:%s", jobID)
}
