package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// SendStateApplyFailedAlert reports the one fatal error kind in the
// system: a committed transaction that could not be applied to the
// state store, which forces the node to abort rather than let its log
// diverge from its state.
func (m *Manager) SendStateApplyFailedAlert(nodeID, txID string, logIndex uint64, details string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *STATE APPLY FAILED — NODE ABORTING*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "State Apply Failed",
				Fields: []slackField{
					{Title: "Node", Value: nodeID, Short: true},
					{Title: "Transaction", Value: txID, Short: true},
					{Title: "Log Index", Value: fmt.Sprintf("%d", logIndex), Short: true},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: "cvmnode",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendLeadershipLostAlert reports a node losing Raft leadership,
// typically surfaced by in-flight SubmitAndWait calls turning into
// ConsensusRejected results on the client side.
func (m *Manager) SendLeadershipLostAlert(nodeID, newLeader string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *LEADERSHIP CHANGED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Raft Leadership Lost",
				Fields: []slackField{
					{Title: "Node", Value: nodeID, Short: true},
					{Title: "New Leader", Value: newLeader, Short: true},
				},
				Footer: "cvmnode",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendContainerFailedAlert reports a contract container transitioning
// to container.Failed, whether at create time or after a probe failure.
func (m *Manager) SendContainerFailedAlert(address, name, reason string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *CONTAINER FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Contract Container Failed",
				Fields: []slackField{
					{Title: "Address", Value: address, Short: true},
					{Title: "Name", Value: name, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: "cvmnode",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
