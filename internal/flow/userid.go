package flow

import "strings"

// BuildAuthenticatedUserID construye el identificador que se envía al
// gateway como authenticated_userid (spec.md §4.1):
//   - sin namespace ni pool de registro: "sub=<userId>"
//   - con namespace seleccionado: "sub=<userId>;namespace=<ns>"
//   - password grant con pool que requiere namespace, sobre todas las
//     registraciones: "sub=<userId>;namespaces=<ns1>,<ns2>,..."
func BuildAuthenticatedUserID(userID, namespace string, namespaces []string) string {
	base := "sub=" + userID
	if namespace != "" {
		return base + ";namespace=" + namespace
	}
	if len(namespaces) > 0 {
		return base + ";namespaces=" + strings.Join(namespaces, ",")
	}
	return base
}
