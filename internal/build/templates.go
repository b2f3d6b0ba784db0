package build

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var productTemplate = template.Must(template.New("product").Parse(`Name: Triton Instance
Image: {{ .PrettyName }} {{ .Date }}
Documentation: {{ .URL }}
Description: {{ .Description }}

`))

var motdTemplate = template.Must(template.New("motd").Parse(`         *--+--*--*
         |\ |\ |\ |\
         | \| \| \| \     #####  ####   #  #####  ###   #   # TM
         +--*--+--*--*      #    #   #  #    #   #   #  ##  #
         |\ |\ |\ |\ |      #    ####   #    #   #   #  # # #
         | \| \| \| \|      #    #  #   #    #   #   #  #  ##
         *--+--+--+--+      #    #   #  #    #    ###   #   #
          \ |\ |\ |\ |
           \| \| \| \|     LX Instance ({{ .PrettyName }} {{ .Date }})
            *--+--*--*     {{ .URL }}

`))

// GuestText is the data rendered into /etc/product and /etc/motd.
type GuestText struct {
	PrettyName  string
	Date        string
	URL         string
	Description string
}

// ImageDescription prefixes the user's description with the guest's name.
func ImageDescription(prettyName, description string) string {
	return strings.TrimSpace(fmt.Sprintf("Container-native %s 64-bit image. %s", prettyName, description))
}

// RenderProduct renders the /etc/product file.
func RenderProduct(text GuestText) (string, error) {
	return render(productTemplate, text)
}

// RenderMOTD renders the /etc/motd file.
func RenderMOTD(text GuestText) (string, error) {
	return render(motdTemplate, text)
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
