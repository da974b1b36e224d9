package runtime

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeTemplate is the per-tenant compose file. The worker drives the
// engine through the SDK; the rendered file lets operators run the same
// topology by hand.
const composeTemplate = `services:
  runtime:
    image: {{NEXUS_IMAGE}}
    container_name: tenant_{{TENANT_ID}}_runtime
    restart: unless-stopped
    env_file:
      - ./env/runtime.env
    environment:
      TENANT_ID: "{{TENANT_ID}}"
    volumes:
      - session:/session
      - state:/data
    networks:
      - tenants
    expose:
      - "{{BRIDGE_PORT}}"

volumes:
  session:
    name: tenant_{{TENANT_ID}}_session
    external: true
  state:
    name: tenant_{{TENANT_ID}}_state
    external: true

networks:
  tenants:
    name: {{TENANT_NETWORK}}
    external: true
`

// RenderCompose fills the compose template for one tenant and verifies the
// result still parses as YAML.
func RenderCompose(tenantID, image string, bridgePort int, network string) (string, error) {
	r := strings.NewReplacer(
		"{{TENANT_ID}}", tenantID,
		"{{NEXUS_IMAGE}}", image,
		"{{BRIDGE_PORT}}", strconv.Itoa(bridgePort),
		"{{TENANT_NETWORK}}", network,
	)
	rendered := r.Replace(composeTemplate)

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(rendered), &doc); err != nil {
		return "", fmt.Errorf("rendered compose is not valid yaml: %w", err)
	}
	if _, ok := doc["services"]; !ok {
		return "", fmt.Errorf("rendered compose has no services section")
	}
	return rendered, nil
}
