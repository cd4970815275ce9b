package manifest

import (
	"bytes"
	"path"
	"strings"
	"text/template"

	"evalgo.org/graphdeploy/models"
)

var dockerfileTemplate = template.Must(template.New("dockerfile").Parse(`FROM node:20-alpine AS build
WORKDIR /app
COPY {{.CodePath}}/package*.json ./
RUN npm ci
COPY {{.CodePath}}/ ./
RUN npm run build --if-present

FROM node:20-alpine
RUN apk add --no-cache curl
WORKDIR /app
ENV NODE_ENV=production SERVICE_NAME={{.ServiceName}}
COPY --from=build /app ./
EXPOSE 3000
CMD ["npm", "run", "start"]
`))

// RenderDockerfile renders the build file referenced by the service's
// component (Dockerfile.<service>) for code generated at GeneratedCodePath.
func RenderDockerfile(result models.GenerationResult) (string, error) {
	codePath := path.Clean(strings.TrimPrefix(result.GeneratedCodePath, "/"))

	var buf bytes.Buffer
	err := dockerfileTemplate.Execute(&buf, struct {
		ServiceName string
		CodePath    string
	}{
		ServiceName: result.ServiceName,
		CodePath:    codePath,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
