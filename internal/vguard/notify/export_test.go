package notify

// NewKafkaNotifierWithWriter swaps the broker writer for tests.
func NewKafkaNotifierWithWriter(w messageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic}
}
