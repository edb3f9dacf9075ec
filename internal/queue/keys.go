package queue

import "fmt"

func readyKey(queue string) string {
	return fmt.Sprintf("gas:queue:%s:ready", queue)
}

func inflightKey(queue string) string {
	return fmt.Sprintf("gas:queue:%s:inflight", queue)
}

func messagesKey(queue string) string {
	return fmt.Sprintf("gas:queue:%s:messages", queue)
}

func receivesKey(queue string) string {
	return fmt.Sprintf("gas:queue:%s:receives", queue)
}
